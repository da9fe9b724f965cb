package dispatcher

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/drsoft-oss/gatewayproxy/internal/poolstore"
)

func newTestStore(t *testing.T) *poolstore.Store {
	t.Helper()
	s, err := poolstore.Open(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeConn is a net.Conn stand-in good enough to be returned and closed.
type fakeConn struct{ net.Conn }

func TestBeforeUpstreamConnection_SuccessRecordsUsage(t *testing.T) {
	store := newTestStore(t)
	store.PutIfAbsent(poolstore.Entry{URL: "A", Hosts: map[string]poolstore.HostRecord{}})

	d := New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		return &fakeConn{}, nil
	})

	res, err := d.BeforeUpstreamConnection(context.Background(), "x.test", "x.test:443")
	if err != nil {
		t.Fatalf("BeforeUpstreamConnection: %v", err)
	}
	if res.ProceedDirect || res.Upstream != "A" {
		t.Fatalf("result = %+v; want upstream A, not direct", res)
	}

	entry, _ := store.Get("A")
	rec := entry.Hosts["x.test"]
	if !rec.AliveForHost {
		t.Error("expected alive_for_host=true after success")
	}
	if rec.UsageCount != 1 {
		t.Errorf("usage_count = %d, want 1", rec.UsageCount)
	}
	if rec.LastUsage.IsZero() {
		t.Error("expected last_usage to be set")
	}
}

// S3 — Fail-over: pool={A, B}, A fails, B succeeds. Dispatch returns B;
// afterwards A.hosts[y.test].alive_for_host=false, B's is true.
func TestBeforeUpstreamConnection_S3_FailOver(t *testing.T) {
	store := newTestStore(t)
	store.PutIfAbsent(poolstore.Entry{URL: "A", Hosts: map[string]poolstore.HostRecord{}})
	store.PutIfAbsent(poolstore.Entry{URL: "B", Hosts: map[string]poolstore.HostRecord{}})

	d := New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		if upstreamURL == "A" {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{}, nil
	})

	res, err := d.BeforeUpstreamConnection(context.Background(), "y.test", "y.test:443")
	if err != nil {
		t.Fatalf("BeforeUpstreamConnection: %v", err)
	}
	if res.ProceedDirect {
		t.Fatal("expected a successful fail-over, not proceed-direct")
	}
	if res.Upstream != "B" {
		t.Fatalf("upstream = %q, want B", res.Upstream)
	}

	a, _ := store.Get("A")
	if a.Hosts["y.test"].AliveForHost {
		t.Error("expected A.hosts[y.test].alive_for_host = false after its failure")
	}
	b, _ := store.Get("B")
	if !b.Hosts["y.test"].AliveForHost {
		t.Error("expected B.hosts[y.test].alive_for_host = true after success")
	}
}

// S4 — Exhaustion: pool={A}, A fails. markDead persists
// A.hosts[z.test].alive_for_host=false synchronously (dispatcher.go's
// markDead), so the very next Selector call already excludes A
// (selector.go's candidate filter, proven by
// TestSelect_ExcludesDeadForHost) and the loop breaks with only one dial
// attempt made — the single-proxy case never reaches MaxAttempts. This
// matches original_source/server.py's before_upstream_connection
// (mark_proxy_dead → get_best_proxy returns None → break) and spec
// property 4; spec scenario S4's literal "10 attempts" figure describes a
// pool with enough distinct candidates to be retried that many times, not
// a one-proxy pool.
func TestBeforeUpstreamConnection_S4_Exhaustion(t *testing.T) {
	store := newTestStore(t)
	store.PutIfAbsent(poolstore.Entry{URL: "A", Hosts: map[string]poolstore.HostRecord{}})

	var attempts atomic.Int64
	d := New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})

	res, err := d.BeforeUpstreamConnection(context.Background(), "z.test", "z.test:443")
	if err != nil {
		t.Fatalf("BeforeUpstreamConnection: %v", err)
	}
	if !res.ProceedDirect {
		t.Fatal("expected proceed-direct after exhausting the only upstream")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (Selector excludes A for z.test after its single failure)", got)
	}

	a, _ := store.Get("A")
	if a.Hosts["z.test"].AliveForHost {
		t.Error("expected alive_for_host=false for z.test on A after exhaustion")
	}
}

func TestBeforeUpstreamConnection_EmptyPoolProceedsDirect(t *testing.T) {
	store := newTestStore(t)
	d := New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		t.Fatal("dial should never be called against an empty pool")
		return nil, nil
	})

	res, err := d.BeforeUpstreamConnection(context.Background(), "x.test", "x.test:443")
	if err != nil {
		t.Fatalf("BeforeUpstreamConnection: %v", err)
	}
	if !res.ProceedDirect {
		t.Fatal("expected proceed-direct for an empty pool")
	}
}

func TestBeforeUpstreamConnection_NeverExceedsMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	for _, u := range []string{"A", "B", "C"} {
		store.PutIfAbsent(poolstore.Entry{URL: u, Hosts: map[string]poolstore.HostRecord{}})
	}

	var attempts atomic.Int64
	d := New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	})

	d.BeforeUpstreamConnection(context.Background(), "w.test", "w.test:443")
	if got := attempts.Load(); got > MaxAttempts {
		t.Fatalf("attempts = %d, must never exceed %d", got, MaxAttempts)
	}
}

func TestBeforeUpstreamConnection_CanceledContextProceedsDirectBeforeFirstAttempt(t *testing.T) {
	store := newTestStore(t)
	store.PutIfAbsent(poolstore.Entry{URL: "A", Hosts: map[string]poolstore.HostRecord{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		t.Fatal("dial should not be attempted once the context is already canceled")
		return nil, nil
	})

	res, err := d.BeforeUpstreamConnection(ctx, "x.test", "x.test:443")
	if err != nil {
		t.Fatalf("BeforeUpstreamConnection: %v", err)
	}
	if !res.ProceedDirect {
		t.Fatal("expected proceed-direct when context is already canceled")
	}
}

func TestBeforeUpstreamConnection_HostCaseFolded(t *testing.T) {
	store := newTestStore(t)
	store.PutIfAbsent(poolstore.Entry{URL: "A", Hosts: map[string]poolstore.HostRecord{}})

	d := New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		return &fakeConn{}, nil
	})

	d.BeforeUpstreamConnection(context.Background(), "Example.COM", "Example.COM:443")

	entry, _ := store.Get("A")
	if _, ok := entry.Hosts["example.com"]; !ok {
		t.Fatal("expected host record to be keyed by the lowercase host")
	}
	if _, ok := entry.Hosts["Example.COM"]; ok {
		t.Fatal("did not expect a record keyed by the original-case host")
	}
}
