// Package poolstore holds the durable mapping from upstream proxy URL to
// pool entry. It is the only shared mutable state in the system: the
// Selector reads snapshots from it, the Dispatcher and Probe Engine write
// to it, and the Admin Interface adds and removes entries through it.
package poolstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("proxies")

// HostRecord is the per-destination liveness and usage data carried
// inside an Entry.
type HostRecord struct {
	Host         string    `json:"host"`
	LastUsage    time.Time `json:"last_usage"`
	UsageCount   int64     `json:"usage_count"`
	AliveForHost bool      `json:"alive_for_host"`
}

// Entry is one upstream proxy's full state record.
type Entry struct {
	URL              string                `json:"url"`
	ID               int64                 `json:"id"`
	Alive            bool                  `json:"alive"`
	LastProbeLatency time.Duration         `json:"last_probe_latency"`
	Hosts            map[string]HostRecord `json:"hosts"`
}

// clone returns a deep copy so callers can never mutate shared state
// through a pointer returned from List/Get.
func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Hosts = make(map[string]HostRecord, len(e.Hosts))
	for k, v := range e.Hosts {
		out.Hosts[k] = v
	}
	return &out
}

// handle is the in-memory representation of one pool entry. mu serializes
// read-modify-write against this one URL; different handles never share a
// lock, so writers of different entries do not block each other at the Go
// level (the bbolt commit itself is still serialized by bbolt's single
// writer transaction model — an accepted approximation).
type handle struct {
	mu  sync.Mutex
	ptr atomic.Pointer[Entry]
}

// Store is the Pool Store (spec.md §4.1 / C1).
type Store struct {
	db *bbolt.DB

	mu      sync.RWMutex
	entries map[string]*handle
	nextID  atomic.Int64
}

// Open opens (creating if absent) the bbolt file at path and loads all
// persisted entries into memory. If the file cannot be opened (e.g. it is
// locked by another process), Open retries every 5 seconds — the durable
// backing is required for startup per spec.md §7.
func Open(path string) (*Store, error) {
	var db *bbolt.DB
	var err error
	for {
		db, err = bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
		if err == nil {
			break
		}
		time.Sleep(5 * time.Second)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("poolstore: init bucket: %w", err)
	}

	s := &Store{db: db, entries: make(map[string]*handle)}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the durable backing.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadAll() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("poolstore: decode %q: %w", k, err)
			}
			h := &handle{}
			h.ptr.Store(&e)
			s.entries[e.URL] = h
			if e.ID >= s.nextID.Load() {
				s.nextID.Store(e.ID + 1)
			}
			return nil
		})
	})
}

// List returns a snapshot of all entries. The snapshot need not be
// mutually consistent across entries, but each entry is internally
// consistent (it is a single atomic-pointer load).
func (s *Store) List() []Entry {
	s.mu.RLock()
	handles := make([]*handle, 0, len(s.entries))
	for _, h := range s.entries {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	out := make([]Entry, 0, len(handles))
	for _, h := range handles {
		if e := h.ptr.Load(); e != nil {
			out = append(out, *e.clone())
		}
	}
	return out
}

// Get performs an atomic read of one entry. ok is false if absent.
func (s *Store) Get(url string) (entry Entry, ok bool) {
	s.mu.RLock()
	h, present := s.entries[url]
	s.mu.RUnlock()
	if !present {
		return Entry{}, false
	}
	e := h.ptr.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e.clone(), true
}

// PutIfAbsent atomically inserts entry. Returns false if entry.URL is
// already present.
func (s *Store) PutIfAbsent(entry Entry) (bool, error) {
	s.mu.Lock()
	if _, exists := s.entries[entry.URL]; exists {
		s.mu.Unlock()
		return false, nil
	}
	h := &handle{}
	s.entries[entry.URL] = h
	s.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if entry.Hosts == nil {
		entry.Hosts = make(map[string]HostRecord)
	}
	if err := s.persist(&entry); err != nil {
		// Roll back the reservation so a later retry can succeed.
		s.mu.Lock()
		delete(s.entries, entry.URL)
		s.mu.Unlock()
		return false, err
	}
	h.ptr.Store(entry.clone())
	return true, nil
}

// Delete atomically removes the entry for url. Returns false if it was
// already absent.
func (s *Store) Delete(url string) (bool, error) {
	s.mu.Lock()
	h, exists := s.entries[url]
	if exists {
		delete(s.entries, url)
	}
	s.mu.Unlock()
	if !exists {
		return false, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(url))
	})
	return true, err
}

// Update performs an atomic read-modify-write of the entry for url. If the
// entry is absent, mutator is never called and no error is raised —
// matching spec.md §4.1 ("the mutation is dropped").
func (s *Store) Update(url string, mutator func(*Entry)) error {
	s.mu.RLock()
	h, exists := s.entries[url]
	s.mu.RUnlock()
	if !exists {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.ptr.Load()
	next := cur.clone()
	mutator(next)
	if err := s.persist(next); err != nil {
		return err
	}
	h.ptr.Store(next)
	return nil
}

// NextID returns the id the next ReserveID call will hand out: one greater
// than the largest id loaded from disk or reserved so far, or 0 for a
// fresh store. Ids inserted through PutIfAbsent without ReserveID do not
// advance it, and deleting an entry never lowers it. Not required to be race-free against concurrent inserts — callers
// tolerate a brief race because id is informational (spec.md §4.1).
func (s *Store) NextID() int64 {
	return s.nextID.Load()
}

// ReserveID hands out the next id and advances the counter. Used by
// callers constructing a brand new Entry (Admin Add, bootstrap load).
func (s *Store) ReserveID() int64 {
	return s.nextID.Add(1) - 1
}

func (s *Store) persist(e *Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("poolstore: encode %q: %w", e.URL, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(e.URL), buf)
	})
}
