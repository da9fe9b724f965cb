// Package dispatcher implements the per-request glue called by the proxy
// engine before it opens an upstream connection for a client request
// (spec.md §4.4 / C4): invoke the Selector, attempt a connection through
// the chosen upstream, and on failure mark it dead for that host and
// retry with a different upstream, bounded at 10 attempts.
package dispatcher

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/drsoft-oss/gatewayproxy/internal/poolstore"
	"github.com/drsoft-oss/gatewayproxy/internal/selector"
)

// MaxAttempts bounds how many upstream candidates are tried per client
// request (spec.md §4.4).
const MaxAttempts = 10

// Dialer opens a connection to destination ("host:port") through the
// upstream identified by upstreamURL. In production this is
// internal/upstream.DialEntryURL; tests inject a fake.
type Dialer func(ctx context.Context, upstreamURL, destination string) (net.Conn, error)

// clock returns the current time; overridable in tests.
type clock func() time.Time

// Dispatcher implements the before_upstream_connection contract.
type Dispatcher struct {
	store *poolstore.Store
	dial  Dialer
	now   clock
}

// New creates a Dispatcher backed by store, opening connections with dial.
func New(store *poolstore.Store, dial Dialer) *Dispatcher {
	return &Dispatcher{store: store, dial: dial, now: time.Now}
}

// Result is the outcome of BeforeUpstreamConnection.
type Result struct {
	// Conn is the live connection to the destination, through Upstream.
	// Only set when ProceedDirect is false and the returned error is nil.
	Conn net.Conn

	// Upstream is the URL of the upstream the connection was made
	// through. Empty when ProceedDirect is true.
	Upstream string

	// ProceedDirect signals the proxy engine should connect to the
	// destination directly, bypassing the upstream pool entirely
	// (spec.md §4.4, §9 "fail-open").
	ProceedDirect bool
}

// BeforeUpstreamConnection is the Dispatcher contract (spec.md §4.4). host
// is the destination hostname (case-folded internally); destination is
// the full "host:port" to connect to once an upstream is chosen.
//
// At most MaxAttempts candidates are tried. Every failed attempt records
// alive_for_host=false for the exact (upstream, host) pair before the next
// Selector call, so the same dead pair is never retried within one
// dispatch. If the context is canceled before any attempt is in flight,
// BeforeUpstreamConnection returns ProceedDirect=true immediately; if
// canceled mid-attempt, the cancellation error propagates.
func (d *Dispatcher) BeforeUpstreamConnection(ctx context.Context, host, destination string) (Result, error) {
	host = strings.ToLower(host)

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{ProceedDirect: true}, nil
		}

		entries := d.store.List()
		upstreamURL, ok := selector.Select(entries, host)
		if !ok {
			break
		}

		conn, err := d.dial(ctx, upstreamURL, destination)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			d.markDead(upstreamURL, host)
			continue
		}

		d.markSuccess(upstreamURL, host)
		return Result{Conn: conn, Upstream: upstreamURL}, nil
	}

	return Result{ProceedDirect: true}, nil
}

func (d *Dispatcher) markSuccess(upstreamURL, host string) {
	now := d.now()
	d.store.Update(upstreamURL, func(e *poolstore.Entry) {
		rec := e.Hosts[host]
		rec.Host = host
		rec.LastUsage = now
		rec.UsageCount++
		rec.AliveForHost = true
		e.Hosts[host] = rec
	})
}

func (d *Dispatcher) markDead(upstreamURL, host string) {
	d.store.Update(upstreamURL, func(e *poolstore.Entry) {
		rec := e.Hosts[host]
		rec.Host = host
		rec.AliveForHost = false
		e.Hosts[host] = rec
	})
}
