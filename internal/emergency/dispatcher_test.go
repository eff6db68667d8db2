package emergency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

func newTwilio(t *testing.T, url string, retries int) *TwilioDispatcher {
	t.Helper()
	d, err := NewTwilioDispatcher(TwilioConfig{
		AccountSID:       "AC123",
		AuthToken:        "secret",
		FromNumber:       "+15550000",
		BaseURL:          url,
		TransportRetries: retries,
		RetryDelay:       time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewTwilioDispatcher() error = %v", err)
	}
	return d
}

func TestNewTwilioDispatcher_NotConfigured(t *testing.T) {
	_, err := NewTwilioDispatcher(TwilioConfig{AccountSID: "AC123"}, nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

func TestTwilioDispatcher_PlacesCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if r.PostForm.Get("To") != "+15550100" || r.PostForm.Get("From") != "+15550000" {
			t.Errorf("form = %v", r.PostForm)
		}
		twiml := r.PostForm.Get("Twiml")
		if !strings.Contains(twiml, "Emergency call from +15550111. Water &amp; food needed") {
			t.Errorf("twiml = %s", twiml)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA1","status":"queued"}`))
	}))
	defer srv.Close()

	err := newTwilio(t, srv.URL, 0).Dispatch(context.Background(), types.CallRequest{
		ContactPhone: "+15550100",
		CallerID:     "+15550111",
		Message:      "Water & food needed",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
}

func TestTwilioDispatcher_ResendsUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := newTwilio(t, srv.URL, 3).Dispatch(context.Background(), call); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestTwilioDispatcher_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := newTwilio(t, srv.URL, 3).Dispatch(context.Background(), call); err == nil {
		t.Fatal("expected error for 400")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestTwilioDispatcher_GivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if err := newTwilio(t, srv.URL, 2).Dispatch(context.Background(), call); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

// A 500, 502 or 504 may come back after Twilio created the call.
func TestTwilioDispatcher_AmbiguousServerErrorsNotResent(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			if err := newTwilio(t, srv.URL, 3).Dispatch(context.Background(), call); err == nil {
				t.Fatal("expected error")
			}
			if hits.Load() != 1 {
				t.Errorf("hits = %d, want 1", hits.Load())
			}
		})
	}
}

func TestTwilioDispatcher_TimeoutNotResent(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	defer close(release)

	d, err := NewTwilioDispatcher(TwilioConfig{
		AccountSID:       "AC123",
		AuthToken:        "secret",
		FromNumber:       "+15550000",
		BaseURL:          srv.URL,
		TransportRetries: 3,
		RetryDelay:       time.Millisecond,
	}, &http.Client{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewTwilioDispatcher() error = %v", err)
	}

	if err := d.Dispatch(context.Background(), call); err == nil {
		t.Fatal("expected timeout error")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

// countingTransport counts round trips, including ones that fail to connect.
type countingTransport struct {
	n atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.n.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestTwilioDispatcher_ResendsWhenConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	transport := &countingTransport{}
	d, err := NewTwilioDispatcher(TwilioConfig{
		AccountSID:       "AC123",
		AuthToken:        "secret",
		FromNumber:       "+15550000",
		BaseURL:          url,
		TransportRetries: 2,
		RetryDelay:       time.Millisecond,
	}, &http.Client{Transport: transport})
	if err != nil {
		t.Fatalf("NewTwilioDispatcher() error = %v", err)
	}

	if err := d.Dispatch(context.Background(), call); err == nil {
		t.Fatal("expected connection error")
	}
	if got := transport.n.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestQueue_TwilioCallCreationsBounded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Given the default dispatcher settings and a queue allowing 3 retries
	q := NewQueue(newTestStore(t), newTwilio(t, srv.URL, 0), staticOnline(true), QueueConfig{MaxRetries: 3})
	ctx := context.Background()

	// When the direct call fails and the queue is processed repeatedly
	resp, err := q.Call(ctx, call)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !resp.Queued {
		t.Fatalf("response = %+v, want queued", resp)
	}
	for i := 0; i < 6; i++ {
		if _, err := q.Process(ctx); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	// Then Twilio saw maxRetries+1 call creations
	if got := hits.Load(); got != 4 {
		t.Errorf("call creations = %d, want 4", got)
	}
}

func TestLogDispatcher(t *testing.T) {
	if err := (LogDispatcher{}).Dispatch(context.Background(), call); err != nil {
		t.Errorf("Dispatch() error = %v", err)
	}
}
