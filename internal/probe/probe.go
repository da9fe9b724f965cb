// Package probe implements the background liveness evaluation of every
// pool entry, plus per-host recovery checks (spec.md §4.2 / C2). It runs
// as a single cancellable periodic task, never a literal sleep loop.
package probe

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/drsoft-oss/gatewayproxy/internal/poolstore"
	"github.com/drsoft-oss/gatewayproxy/internal/upstream"
)

// Default probe targets, restored from original_source/server.py's
// test_urls: a self-IP echo, a large well-known site, and a regional
// fallback (spec.md §4.2).
var DefaultTargets = []string{
	"https://ifconfig.me/ip",
	"https://www.google.com",
	"https://ya.ru",
}

// Config controls the Probe Engine's behavior.
type Config struct {
	// Period between full-pool liveness passes. Default 10s (spec.md §4.2).
	Period time.Duration

	// Targets is the fixed ordered list of probe URLs; the first success
	// wins. Defaults to DefaultTargets.
	Targets []string

	// Timeout per probe target (spec.md §4.2: 5s default).
	Timeout time.Duration

	// Concurrency bounds how many entries are probed in parallel per tick.
	Concurrency int
}

func (c *Config) setDefaults() {
	if c.Period == 0 {
		c.Period = 10 * time.Second
	}
	if len(c.Targets) == 0 {
		c.Targets = DefaultTargets
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Concurrency == 0 {
		c.Concurrency = 10
	}
}

// Engine is the Probe Engine: a single dedicated background worker that
// keeps Store liveness data fresh.
type Engine struct {
	store *poolstore.Store
	cfg   Config

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an Engine. Call Start to begin the background loop, or
// RunOnce to perform a single pass synchronously (e.g. at startup).
func New(store *poolstore.Store, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{store: store, cfg: cfg, stop: make(chan struct{})}
}

// Start launches the background ticking goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop cancels the background loop and waits for in-flight probes to
// finish (spec.md §5 grace-period cancellation).
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.RunOnce(context.Background())
		case <-e.stop:
			return
		}
	}
}

// RunOnce performs one liveness pass over a snapshot of the whole pool,
// probing entries concurrently up to cfg.Concurrency (spec.md §4.2 steps
// 1-4).
func (e *Engine) RunOnce(ctx context.Context) {
	entries := e.store.List()

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.probeEntry(ctx, entry)
		}()
	}
	wg.Wait()
}

// Probe runs a single synchronous reachability check against entryURL,
// trying each configured target in order with a caller-supplied timeout
// (via ctx). Used by the Admin Interface's Add operation (spec.md §4.5),
// which needs one-shot probing outside the periodic loop — this satisfies
// the admin.Prober interface without admin importing probe's internals.
func (e *Engine) Probe(ctx context.Context, entryURL string) (alive bool, latency time.Duration) {
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return e.probeTargets(ctx, entryURL, timeout)
}

// probeEntry runs the global reachability probe for one entry, then — if
// it is alive — runs per-host recovery probes for any host previously
// marked dead through it (spec.md §4.2 steps 2-4).
func (e *Engine) probeEntry(ctx context.Context, entry poolstore.Entry) {
	alive, latency := e.probeTargets(ctx, entry.URL, e.cfg.Timeout)

	if err := e.store.Update(entry.URL, func(x *poolstore.Entry) {
		x.Alive = alive
		if alive {
			x.LastProbeLatency = latency
		} else {
			x.LastProbeLatency = 0
		}
	}); err != nil {
		log.Printf("[probe] update liveness for %s: %v", redact(entry.URL), err)
	}

	if !alive {
		return
	}

	for host, rec := range entry.Hosts {
		if rec.AliveForHost {
			continue
		}
		if e.probeHost(ctx, entry.URL, host) {
			host := host
			if err := e.store.Update(entry.URL, func(x *poolstore.Entry) {
				r := x.Hosts[host]
				r.Host = host
				r.AliveForHost = true
				x.Hosts[host] = r
			}); err != nil {
				log.Printf("[probe] recover host %s on %s: %v", host, redact(entry.URL), err)
			}
		}
	}
}

// probeTargets tries each configured target in order through the
// upstream, returning on the first success. Probe errors are never fatal
// (spec.md §4.2/§7) — they only feed the returned boolean. timeout bounds
// each individual target attempt (5s for the periodic pass, 2s for
// Admin's synchronous Add probe, per spec.md §4.2/§4.5).
func (e *Engine) probeTargets(ctx context.Context, entryURL string, timeout time.Duration) (alive bool, latency time.Duration) {
	for _, target := range e.cfg.Targets {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := e.get(tctx, entryURL, target)
		elapsed := time.Since(start)
		cancel()
		if err == nil {
			return true, elapsed
		}
	}
	return false, 0
}

// probeHost issues a single GET http://<host> through entryURL and reports
// whether it returned HTTP 200 (spec.md §4.2 step 4).
func (e *Engine) probeHost(ctx context.Context, entryURL, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	code, err := e.getStatus(ctx, entryURL, "http://"+host)
	return err == nil && code == 200
}

// get dials through entryURL and issues a minimal HTTP/1.1 GET against
// target, returning an error unless a well-formed status line comes back.
// Modeled on the teacher's monitor.probe: we need one specific connection
// per probe (through the upstream's own CONNECT tunnel), which rules out
// net/http.Client's pooled transport (see DESIGN.md).
func (e *Engine) get(ctx context.Context, entryURL, target string) error {
	code, err := e.getStatus(ctx, entryURL, target)
	if err != nil {
		return err
	}
	if code == 0 {
		return fmt.Errorf("malformed status line")
	}
	return nil
}

func (e *Engine) getStatus(ctx context.Context, entryURL, target string) (int, error) {
	u, err := url.Parse(target)
	if err != nil {
		return 0, fmt.Errorf("bad target url: %w", err)
	}
	host := u.Host
	if !hasPort(host) {
		if u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	conn, err := upstream.DialEntryURL(ctx, entryURL, host)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n",
		requestURI(u), u.Hostname())
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, fmt.Errorf("write request: %w", err)
	}

	buf := make([]byte, 32)
	n, _ := conn.Read(buf)
	if n < len("HTTP/1.1 200") {
		return 0, fmt.Errorf("short response (%d bytes)", n)
	}
	return parseStatusCode(buf[:n]), nil
}

func requestURI(u *url.URL) string {
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func parseStatusCode(line []byte) int {
	// "HTTP/1.1 200 OK..." — status code is bytes [9:12].
	if len(line) < 12 {
		return 0
	}
	code := 0
	for _, b := range line[9:12] {
		if b < '0' || b > '9' {
			return 0
		}
		code = code*10 + int(b-'0')
	}
	return code
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
