// Package cache holds the result caches attached to mapped statements and
// the prepared statement cache used by the database/sql adapter.
package cache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Policy uint8

const (
	LRU Policy = iota
	// FIFO evicts in insertion order; reads do not refresh an entry.
	FIFO
)

func (p Policy) String() string {
	if p == FIFO {
		return "fifo"
	}
	return "lru"
}

// ParsePolicy accepts "lru", "fifo" and the empty string (lru).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lru", "memory":
		return LRU, nil
	case "fifo":
		return FIFO, nil
	}
	return LRU, fmt.Errorf("unknown cache policy %q", s)
}

const DefaultSize = 100

// Options configures a Model.
type Options struct {
	ID     string
	Policy Policy
	Size   int
	// FlushInterval bounds the age of every entry. Zero keeps entries until
	// they are evicted or flushed.
	FlushInterval time.Duration
	// FlushOnExecute lists statement ids whose insert, update or delete
	// execution empties the model.
	FlushOnExecute []string
}

// store is the part of the lru and expirable caches the model uses.
type store interface {
	Get(key Key) (any, bool)
	Peek(key Key) (any, bool)
	Add(key Key, value any) bool
	Remove(key Key) bool
	Purge()
	Len() int
}

// Stats is a snapshot of a model's counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Flushes uint64
	Entries int
}

// Model caches statement results. It is safe for concurrent use.
type Model struct {
	opts    Options
	store   store
	hits    atomic.Uint64
	misses  atomic.Uint64
	flushes atomic.Uint64
}

// New builds a model from opts.
func New(opts Options) (*Model, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	m := &Model{opts: opts}
	if opts.FlushInterval > 0 {
		m.store = expirable.NewLRU[Key, any](opts.Size, nil, opts.FlushInterval)
		return m, nil
	}
	c, err := lru.New[Key, any](opts.Size)
	if err != nil {
		return nil, err
	}
	m.store = c
	return m, nil
}

func (m *Model) ID() string { return m.opts.ID }

func (m *Model) FlushOnExecute() []string { return m.opts.FlushOnExecute }

// Get returns the value cached under key.
func (m *Model) Get(key Key) (any, bool) {
	var (
		v  any
		ok bool
	)
	if m.opts.Policy == FIFO {
		v, ok = m.store.Peek(key)
	} else {
		v, ok = m.store.Get(key)
	}
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return v, ok
}

// Put stores value under key, replacing only that key.
func (m *Model) Put(key Key, value any) {
	m.store.Add(key, value)
}

func (m *Model) Remove(key Key) bool { return m.store.Remove(key) }

// Flush empties the model.
func (m *Model) Flush() {
	m.store.Purge()
	m.flushes.Add(1)
}

func (m *Model) Stats() Stats {
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Flushes: m.flushes.Load(),
		Entries: m.store.Len(),
	}
}
