package session

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"cipherrelay/internal/observability/metrics"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry maps identities to their live session. Identities hash onto
// independent shards, so operations on different identities rarely contend.
type Registry struct {
	shards [shardCount]shard
	gen    atomic.Uint64
	log    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{log: logger}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &r.shards[h.Sum32()%shardCount]
}

// Register installs a new session for identity, replacing and closing any
// previous one. The returned session is holding until Release.
func (r *Registry) Register(identity string, t Transport) *Session {
	s := newSession(identity, r.gen.Add(1), t)
	sh := r.shard(identity)

	sh.mu.Lock()
	prev := sh.sessions[identity]
	sh.sessions[identity] = s
	sh.mu.Unlock()

	if prev != nil {
		r.log.Info("session replaced", "identity", identity, "previous_generation", prev.generation, "generation", s.generation)
		if err := prev.Close(); err != nil {
			r.log.Debug("closing replaced transport", "identity", identity, "error", err)
		}
	} else {
		metrics.SessionOpened()
	}
	return s
}

func (r *Registry) Lookup(identity string) (*Session, bool) {
	sh := r.shard(identity)
	sh.mu.RLock()
	s, ok := sh.sessions[identity]
	sh.mu.RUnlock()
	return s, ok
}

// Unregister removes s only if it is still the current session for its
// identity. A stale session leaves its successor in place.
func (r *Registry) Unregister(s *Session) bool {
	sh := r.shard(s.identity)
	sh.mu.Lock()
	cur, ok := sh.sessions[s.identity]
	removed := ok && cur == s
	if removed {
		delete(sh.sessions, s.identity)
	}
	sh.mu.Unlock()

	if removed {
		metrics.SessionClosed()
	}
	return removed
}

// Kick removes and closes the current session of identity, if any.
func (r *Registry) Kick(identity string) bool {
	sh := r.shard(identity)
	sh.mu.Lock()
	s, ok := sh.sessions[identity]
	if ok {
		delete(sh.sessions, identity)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SessionClosed()
	_ = s.Close()
	return true
}

// Len counts live sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// CloseAll closes every session, used at shutdown.
func (r *Registry) CloseAll() {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		all := sh.sessions
		sh.sessions = make(map[string]*Session)
		sh.mu.Unlock()
		for _, s := range all {
			metrics.SessionClosed()
			_ = s.Close()
		}
	}
}
