// Package admin implements the Admin Interface (spec.md §4.5 / C5): the
// contract an external control surface uses to add, remove, and list pool
// entries, plus a concrete REST surface restored from
// original_source/server.py's Flask routes (POST /add_proxy, DELETE
// /remove_proxy, GET /proxy_info).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drsoft-oss/gatewayproxy/internal/poolstore"
)

// Prober is the reachability check used by Add (spec.md §4.5: "runs one
// synchronous reachability probe ... first success wins, timeout 2s per
// target"). Implemented by *probe.Engine in production; faked in tests.
type Prober interface {
	Probe(ctx context.Context, entryURL string) (alive bool, latency time.Duration)
}

// Interface is the Admin contract (spec.md §4.5), independent of any
// transport.
type Interface struct {
	store  *poolstore.Store
	prober Prober
	// probeTimeout is the per-target timeout for Add's synchronous probe
	// (spec.md §4.5: 2 seconds, distinct from the Probe Engine's 5s).
	probeTimeout time.Duration
}

// New creates an Interface backed by store, using prober for Add's
// synchronous reachability check.
func New(store *poolstore.Store, prober Prober) *Interface {
	return &Interface{store: store, prober: prober, probeTimeout: 2 * time.Second}
}

// ErrInvalidURL is returned by Add when url cannot be parsed as an
// upstream proxy URL.
type ErrInvalidURL struct{ Reason string }

func (e ErrInvalidURL) Error() string { return "invalid proxy url: " + e.Reason }

// ErrDuplicate is returned by Add when the URL is already present.
var ErrDuplicate = fmt.Errorf("proxy already exists")

// ErrUnreachable is returned by Add when the synchronous reachability
// probe fails.
var ErrUnreachable = fmt.Errorf("proxy is not reachable")

// ErrNotFound is returned by Remove when the URL is absent.
var ErrNotFound = fmt.Errorf("proxy not found")

// Add validates, probes, and inserts a new pool entry (spec.md §4.5).
// No store mutation occurs unless the probe succeeds.
func (a *Interface) Add(ctx context.Context, rawURL string) (poolstore.Entry, error) {
	if rawURL == "" {
		return poolstore.Entry{}, ErrInvalidURL{Reason: "empty"}
	}
	if _, err := url.Parse(rawURL); err != nil {
		return poolstore.Entry{}, ErrInvalidURL{Reason: err.Error()}
	}

	if _, ok := a.store.Get(rawURL); ok {
		return poolstore.Entry{}, ErrDuplicate
	}

	pctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()
	alive, latency := a.prober.Probe(pctx, rawURL)
	if !alive {
		return poolstore.Entry{}, ErrUnreachable
	}

	entry := poolstore.Entry{
		URL:              rawURL,
		ID:               a.store.ReserveID(),
		Alive:            true,
		LastProbeLatency: latency,
		Hosts:            map[string]poolstore.HostRecord{},
	}
	inserted, err := a.store.PutIfAbsent(entry)
	if err != nil {
		return poolstore.Entry{}, err
	}
	if !inserted {
		// Lost a race with a concurrent Add of the same URL.
		return poolstore.Entry{}, ErrDuplicate
	}
	return entry, nil
}

// Remove deletes the entry for rawURL (spec.md §4.5). Idempotent: a
// second call returns ErrNotFound.
func (a *Interface) Remove(rawURL string) error {
	ok, err := a.store.Delete(rawURL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// List returns the full pool snapshot (spec.md §4.5 / §4.1).
func (a *Interface) List() []poolstore.Entry {
	return a.store.List()
}

// -----------------------------------------------------------------------
// REST surface
// -----------------------------------------------------------------------

// Credentials gates the REST surface with HTTP Basic Auth (spec.md §6).
type Credentials struct {
	Username string
	Password string
}

// Server is the Admin REST surface (spec.md §6), serving the three
// routes restored from original_source/server.py.
type Server struct {
	iface *Interface
	creds Credentials
	http  *http.Server
}

// NewServer builds the chi-routed Admin HTTP server bound to addr.
func NewServer(addr string, iface *Interface, creds Credentials) *Server {
	s := &Server{iface: iface, creds: creds}

	r := chi.NewRouter()
	r.Use(s.basicAuth)
	r.Post("/add_proxy", s.handleAdd)
	r.Delete("/remove_proxy", s.handleRemove)
	r.Get("/proxy_info", s.handleList)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error { return s.http.ListenAndServe() }

// Stop shuts down the server.
func (s *Server) Stop(ctx context.Context) error { return s.http.Shutdown(ctx) }

type proxyRequest struct {
	Proxy string `json:"proxy"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Proxy == "" {
		writeJSONError(w, http.StatusBadRequest, "proxy url is required")
		return
	}

	entry, err := s.iface.Add(r.Context(), req.Proxy)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Proxy added successfully",
		"id":      entry.ID,
		"alive":   entry.Alive,
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Proxy == "" {
		writeJSONError(w, http.StatusBadRequest, "proxy url is required")
		return
	}

	if err := s.iface.Remove(req.Proxy); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Proxy removed successfully"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.iface.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
