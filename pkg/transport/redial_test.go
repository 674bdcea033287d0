package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// recordSleeps replaces the session's backoff sleeper with one that returns
// immediately and records every requested delay.
func recordSleeps(s *Session) *[]time.Duration {
	var waits []time.Duration
	s.sleep = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return &waits
}

// waitOpened consumes session events until a [KindOpened] arrives.
func waitOpened(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-s.Events():
			if evt.Kind == KindOpened {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the connection to open")
		}
	}
}

func TestRedialBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := New(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxAttempts: 5,
		Backoff:     10 * time.Millisecond,
		MaxBackoff:  40 * time.Millisecond,
	})
	defer s.Close()
	waits := recordSleeps(s)

	if _, err := s.redial(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("redial = %v, want ErrRetriesExhausted", err)
	}

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}
	if len(*waits) != len(want) {
		t.Fatalf("backoff waits = %v, want %v", *waits, want)
	}
	for i, d := range want {
		if (*waits)[i] != d {
			t.Errorf("wait %d = %v, want %v", i, (*waits)[i], d)
		}
	}
}

func TestFailedWriteResentOnceAfterRedial(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	killFirst := make(chan struct{})
	received := make(chan string, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if n == 1 {
			go func() {
				<-killFirst
				c.Close(websocket.StatusInternalError, "backend restarting")
			}()
		}
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			received <- fmt.Sprintf("%d:%s", n, data)
		}
	}))
	t.Cleanup(srv.Close)

	s := New(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxAttempts: 3,
		Backoff:     5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	})
	defer s.Close()

	// A message stranded by a failed write on a previous connection.
	s.mu.Lock()
	s.unsent = [][]byte{[]byte("stranded")}
	s.mu.Unlock()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitOpened(t, s) // initial connection
	if err := s.Send([]byte("fresh")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The stranded message goes out first, ahead of newer traffic.
	for _, want := range []string{"1:stranded", "1:fresh"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("received %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	// Kill the connection; after the redial the stranded message must not
	// appear a second time.
	close(killFirst)
	waitOpened(t, s) // reconnected
	if err := s.Send([]byte("after")); err != nil {
		t.Fatalf("Send after kill: %v", err)
	}
	select {
	case got := <-received:
		if got != "2:after" {
			t.Fatalf("received %q after redial, want %q", got, "2:after")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message on the new connection")
	}
}

func TestSuccessfulDialDiscardsStaleReconnectToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	s := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	defer s.Close()

	// A Reconnect issued while nothing is wrong parks a token that would
	// otherwise skip the first backoff wait of a later redial cycle.
	s.Reconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-s.dialNow:
		t.Fatal("stale reconnect token survived a successful dial")
	default:
	}
}
