// Package conflict turns a stale client mutation into a ConflictRecord.
//
// Strategies never merge fields and never mutate the authoritative record;
// they only decide what the conflict says and which snapshots it carries.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

// ErrUnknownStrategy is returned for a strategy name no resolver handles.
var ErrUnknownStrategy = errors.New("unknown conflict resolution strategy")

// Resolver produces the conflict record for an entry whose target was
// modified more recently than the entry's origin timestamp.
type Resolver interface {
	Strategy() types.Strategy
	Resolve(server *types.AuthoritativeRecord, entry *types.SyncLogEntry, now time.Time) *types.ConflictRecord
}

// New returns the resolver for the named strategy.
func New(strategy types.Strategy) (Resolver, error) {
	switch strategy {
	case types.StrategyLatestWins:
		return latestWins{}, nil
	case types.StrategyServerWins:
		return serverWins{}, nil
	case types.StrategyManual:
		return manual{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// Strategies lists every supported strategy name.
func Strategies() []types.Strategy {
	return []types.Strategy{types.StrategyLatestWins, types.StrategyServerWins, types.StrategyManual}
}

// latestWins keeps whichever side is newer. Resolvers only run once the
// server is known to be newer, so the server side always wins here.
type latestWins struct{}

func (latestWins) Strategy() types.Strategy { return types.StrategyLatestWins }

func (latestWins) Resolve(server *types.AuthoritativeRecord, entry *types.SyncLogEntry, now time.Time) *types.ConflictRecord {
	return newRecord(types.StrategyLatestWins, server, entry, now, "Server data is more recent")
}

// serverWins always preserves the authoritative record.
type serverWins struct{}

func (serverWins) Strategy() types.Strategy { return types.StrategyServerWins }

func (serverWins) Resolve(server *types.AuthoritativeRecord, entry *types.SyncLogEntry, now time.Time) *types.ConflictRecord {
	return newRecord(types.StrategyServerWins, server, entry, now, "Server data preserved")
}

// manual parks the conflict for an operator, who later resolves it by entry ID.
type manual struct{}

func (manual) Strategy() types.Strategy { return types.StrategyManual }

func (manual) Resolve(server *types.AuthoritativeRecord, entry *types.SyncLogEntry, now time.Time) *types.ConflictRecord {
	return newRecord(types.StrategyManual, server, entry, now,
		fmt.Sprintf("Manual resolution required for sync log entry %s", entry.ID))
}

func newRecord(strategy types.Strategy, server *types.AuthoritativeRecord, entry *types.SyncLogEntry, now time.Time, msg string) *types.ConflictRecord {
	rec := &types.ConflictRecord{
		EntryID:    entry.ID,
		Strategy:   strategy,
		ClientData: entry.Changes,
		Message:    msg,
		DetectedAt: now,
	}
	if server != nil {
		rec.ServerData = server.Data
	}
	return rec
}
