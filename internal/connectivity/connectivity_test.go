package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestManualPublishesTransitionsOnly(t *testing.T) {
	m := NewManual(false)
	if m.Set(false) {
		t.Fatalf("no-op set reported a change")
	}
	if !m.Set(true) || !m.Online() {
		t.Fatalf("expected online transition")
	}
	select {
	case v := <-m.Events():
		if !v {
			t.Fatalf("expected online event")
		}
	default:
		t.Fatalf("expected a buffered event")
	}
	m.Close()
	if m.Online() {
		t.Fatalf("closed monitor must report offline")
	}
	if _, ok := <-m.Events(); ok {
		t.Fatalf("expected closed stream")
	}
	if m.Set(true) {
		t.Fatalf("set after close must be ignored")
	}
}

func TestProbeFollowsServerHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, 10*time.Millisecond, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	expect := func(want bool) {
		t.Helper()
		select {
		case v := <-p.Events():
			if v != want {
				t.Fatalf("expected %v, got %v", want, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}
	expect(true)
	healthy.Store(false)
	expect(false)

	cancel()
	<-done
	if _, ok := <-p.Events(); ok {
		t.Fatalf("expected stream closed after run")
	}
}
