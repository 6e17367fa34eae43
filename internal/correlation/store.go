// Package correlation matches optimistically sent messages with the
// server-confirmed echoes that arrive later on the account's event stream.
package correlation

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultMaxPerKey = 256
)

var ErrInvalid = errors.New("correlation: account, target and temp id are required")

type Config struct {
	// TTL bounds how long an unmatched entry may wait for its echo.
	TTL time.Duration
	// MaxPerKey caps one conversation's queue; the oldest entry is dropped.
	MaxPerKey int
	Now       func() time.Time
}

// Pending is an outgoing message waiting for its confirmation.
type Pending struct {
	AccountID string    `json:"account_id"`
	TargetKey string    `json:"target"`
	TempID    string    `json:"temp_id"`
	CreatedAt time.Time `json:"created_at"`
}

type key struct {
	account string
	target  string
}

type queue struct {
	mu      sync.Mutex
	entries []Pending
	// unlinked is set once the queue is removed from the map.
	unlinked bool
}

// Store is a FIFO queue per (account, target). The map lock is held only
// to find or create a queue; each queue serializes its own operations.
type Store struct {
	cfg Config

	mu     sync.RWMutex
	queues map[key]*queue

	dropped atomic.Uint64
}

func New(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = DefaultMaxPerKey
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{cfg: cfg, queues: map[key]*queue{}}
}

func (s *Store) lookup(k key) *queue {
	s.mu.RLock()
	q := s.queues[k]
	s.mu.RUnlock()
	return q
}

func (s *Store) getOrCreate(k key) *queue {
	if q := s.lookup(k); q != nil {
		return q
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[k]
	if q == nil {
		q = &queue{}
		s.queues[k] = q
	}
	return q
}

// Register appends tempID to the queue of (accountID, targetKey).
func (s *Store) Register(accountID, targetKey, tempID string) error {
	if accountID == "" || targetKey == "" || tempID == "" {
		return ErrInvalid
	}
	k := key{accountID, targetKey}
	p := Pending{AccountID: accountID, TargetKey: targetKey, TempID: tempID, CreatedAt: s.cfg.Now()}

	for {
		q := s.getOrCreate(k)
		q.mu.Lock()
		// A concurrent sweep may have unlinked an emptied queue.
		if q.unlinked {
			q.mu.Unlock()
			continue
		}
		q.entries = append(q.entries, p)
		overflow := len(q.entries) - s.cfg.MaxPerKey
		if overflow > 0 {
			q.entries = append([]Pending(nil), q.entries[overflow:]...)
		}
		q.mu.Unlock()
		if overflow > 0 {
			s.dropped.Add(uint64(overflow))
		}
		return nil
	}
}

// MatchNext pops the oldest pending entry for (accountID, targetKey).
func (s *Store) MatchNext(accountID, targetKey string) (Pending, bool) {
	q := s.lookup(key{accountID, targetKey})
	if q == nil {
		return Pending{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Pending{}, false
	}
	p := q.entries[0]
	q.entries[0] = Pending{}
	q.entries = q.entries[1:]
	return p, true
}

// List returns every pending entry of an account, oldest first per target.
func (s *Store) List(accountID string) []Pending {
	s.mu.RLock()
	qs := make([]*queue, 0, 4)
	for k, q := range s.queues {
		if k.account == accountID {
			qs = append(qs, q)
		}
	}
	s.mu.RUnlock()

	var out []Pending
	for _, q := range qs {
		q.mu.Lock()
		out = append(out, q.entries...)
		q.mu.Unlock()
	}
	return out
}

// Remove drops tempID from whichever queue of the account holds it.
func (s *Store) Remove(accountID, tempID string) bool {
	s.mu.RLock()
	qs := make([]*queue, 0, 4)
	for k, q := range s.queues {
		if k.account == accountID {
			qs = append(qs, q)
		}
	}
	s.mu.RUnlock()

	for _, q := range qs {
		q.mu.Lock()
		for i, p := range q.entries {
			if p.TempID == tempID {
				q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
				q.mu.Unlock()
				return true
			}
		}
		q.mu.Unlock()
	}
	return false
}

// ForgetAccount drops every queue of an account.
func (s *Store) ForgetAccount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, q := range s.queues {
		if k.account != accountID {
			continue
		}
		q.mu.Lock()
		n += len(q.entries)
		q.entries = nil
		q.unlinked = true
		q.mu.Unlock()
		delete(s.queues, k)
	}
	return n
}

// Sweep removes entries older than the TTL and unlinks empty queues.
// It returns the number of expired entries.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.TTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for k, q := range s.queues {
		q.mu.Lock()
		i := 0
		for i < len(q.entries) && q.entries[i].CreatedAt.Before(cutoff) {
			i++
		}
		if i > 0 {
			expired += i
			q.entries = append([]Pending(nil), q.entries[i:]...)
		}
		if len(q.entries) == 0 {
			q.unlinked = true
			delete(s.queues, k)
		}
		q.mu.Unlock()
	}
	return expired
}

// Len reports the total number of pending entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, q := range s.queues {
		q.mu.Lock()
		n += len(q.entries)
		q.mu.Unlock()
	}
	return n
}

// Dropped reports entries evicted by the per-key bound.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }
