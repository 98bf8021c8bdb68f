package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/matst80/blockgate/internal/obs"
)

var (
	errLeaseConflict  = errors.New("lease conflict: endpoint held by another identity")
	errPortsExhausted = errors.New("no public ports available")
	errPortOutOfRange = errors.New("requested port outside lease range")
)

// memoryState is the single-instance lease registry. Released ports linger
// in a TTL cache keyed by identity so a reconnecting client gets its old
// endpoint back.
type memoryState struct {
	mu       sync.Mutex
	byPort   map[int]*serverSession // port -> active session
	byID     map[string]*serverSession
	linger   *gocache.Cache // identity -> port, and "port:"+port -> identity
	portMin  int
	portMax  int
	closing  bool
	ready    bool
	totalStreams int64
	superseded   int64
}

func newMemoryState(portMin, portMax int, linger time.Duration) *memoryState {
	return &memoryState{
		byPort:  make(map[int]*serverSession),
		byID:    make(map[string]*serverSession),
		linger:  gocache.New(linger, linger/2+time.Second),
		portMin: portMin,
		portMax: portMax,
	}
}

func lingerPortKey(port int) string { return "port:" + strconv.Itoa(port) }

func (m *memoryState) acquireLease(_ context.Context, identity string, requestedPort int) (int, *serverSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *serverSession
	if cur, ok := m.byID[identity]; ok {
		prev = cur
	}

	port := requestedPort
	if port == 0 && prev != nil {
		// Most-recent-handshake-wins keeps the superseded session's port.
		return prev.port, prev, nil
	}
	if port != 0 {
		if port < m.portMin || port > m.portMax {
			return 0, nil, fmt.Errorf("%w: %d not in %d-%d", errPortOutOfRange, port, m.portMin, m.portMax)
		}
		if holder, ok := m.byPort[port]; ok && holder.identity != identity {
			return 0, nil, errLeaseConflict
		}
		return port, prev, nil
	}

	// Prefer the identity's lingering previous port.
	if v, ok := m.linger.Get(identity); ok {
		p := v.(int)
		if holder, held := m.byPort[p]; !held || holder.identity == identity {
			return p, prev, nil
		}
	}
	for p := m.portMin; p <= m.portMax; p++ {
		if _, held := m.byPort[p]; held {
			continue
		}
		// Skip ports parked for some other identity.
		if v, parked := m.linger.Get(lingerPortKey(p)); parked && v.(string) != identity {
			continue
		}
		return p, prev, nil
	}
	return 0, nil, errPortsExhausted
}

func (m *memoryState) bindSession(sess *serverSession) {
	m.mu.Lock()
	m.byPort[sess.port] = sess
	m.byID[sess.identity] = sess
	m.linger.Delete(sess.identity)
	m.linger.Delete(lingerPortKey(sess.port))
	active := len(m.byID)
	m.mu.Unlock()
	obs.ActiveSessions.Set(float64(active))
}

func (m *memoryState) releaseLease(_ context.Context, sess *serverSession) {
	m.mu.Lock()
	if m.byPort[sess.port] == sess {
		delete(m.byPort, sess.port)
		m.linger.SetDefault(sess.identity, sess.port)
		m.linger.SetDefault(lingerPortKey(sess.port), sess.identity)
	}
	if m.byID[sess.identity] == sess {
		delete(m.byID, sess.identity)
	}
	active := len(m.byID)
	m.mu.Unlock()
	obs.ActiveSessions.Set(float64(active))
}

func (m *memoryState) activeSessions() []*serverSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*serverSession, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

func (m *memoryState) setClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryState) setReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }

func (m *memoryState) isClosing() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *memoryState) isReady() bool   { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *memoryState) getStats() (int, int, int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams := 0
	for _, s := range m.byID {
		streams += s.table.Len()
	}
	return len(m.byID), streams, m.totalStreams, m.superseded
}

func (m *memoryState) incrementStreamCount() { m.mu.Lock(); m.totalStreams++; m.mu.Unlock() }
func (m *memoryState) incrementSuperseded()  { m.mu.Lock(); m.superseded++; m.mu.Unlock() }
