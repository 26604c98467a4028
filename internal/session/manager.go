// Package session manages the pool of live browser sessions an engine
// run works with. Sessions are created in batches under a global cap,
// handed to the distributor as SessionInfo snapshots, and destroyed when
// their proxy gets blocked, their browser dies, or the run ends.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/castnet/trawler/internal/browser"
	"github.com/castnet/trawler/internal/proxy"
	"github.com/castnet/trawler/internal/types"
)

// DefaultMaxSessions caps concurrently live sessions across all sites.
const DefaultMaxSessions = 5

// Provider spawns browsers. Satisfied by *browser.Provider; faked in
// tests.
type Provider interface {
	Spawn(ctx context.Context, proxy *types.Proxy) (*browser.Browser, error)
}

// Session is one live browser plus the proxy identity it was launched
// with. The ID is derived from the browser, so it stays stable for the
// session's whole lifetime.
type Session struct {
	ID        string
	Browser   *browser.Browser
	Proxy     *types.Proxy
	CreatedAt time.Time

	client *http.Client
}

// Info returns the distributor's view of the session.
func (s *Session) Info() types.SessionInfo {
	info := types.SessionInfo{ID: s.ID}
	if s.Proxy != nil {
		info.ProxyType = s.Proxy.Type
		info.ProxyID = s.Proxy.ID
		info.ProxyGeo = s.Proxy.Geo
	}
	return info
}

// Client returns an HTTP client sharing the session's egress, for
// Go-side fetches made on the session's behalf.
func (s *Session) Client() *http.Client { return s.client }

// Manager owns all live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	reserved int
	closed   bool

	provider    Provider
	pool        *proxy.Pool
	maxSessions int
}

// NewManager creates a session manager over the given browser provider
// and proxy pool. maxSessions <= 0 selects the default cap.
func NewManager(provider Provider, pool *proxy.Pool, maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	log.Info().
		Int("max_sessions", maxSessions).
		Msg("Session manager initialized")

	return &Manager{
		sessions:    make(map[string]*Session),
		provider:    provider,
		pool:        pool,
		maxSessions: maxSessions,
	}
}

// CreateBatch creates up to count sessions under the given proxy
// requirement. Slots are reserved under the lock before any browser is
// launched, so concurrent batches can never oversubscribe the cap.
//
// Partial success is normal: whatever came up is returned without an
// error and launch failures are logged. When the cap leaves no room at
// all the error is ErrTooManySessions, and when every launch failed it
// wraps ErrNoSessionsCreated.
func (m *Manager) CreateBatch(ctx context.Context, count int, req *types.ProxyRequirement, blocked map[string]struct{}) ([]*Session, error) {
	if count <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.ErrManagerClosed
	}
	room := m.maxSessions - len(m.sessions) - m.reserved
	grant := count
	if grant > room {
		grant = room
	}
	if grant <= 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d live, %d reserved, cap %d",
			types.ErrTooManySessions, len(m.sessions), m.reserved, m.maxSessions)
	}
	m.reserved += grant
	m.mu.Unlock()

	results := make([]*Session, grant)
	eg := new(errgroup.Group)
	eg.SetLimit(4)

	for i := 0; i < grant; i++ {
		idx := i
		eg.Go(func() error {
			sess, err := m.spawnOne(ctx, req, blocked)
			if err != nil {
				return err
			}
			results[idx] = sess
			return nil
		})
	}
	spawnErr := eg.Wait()

	var created []*Session
	for _, s := range results {
		if s != nil {
			created = append(created, s)
		}
	}

	m.mu.Lock()
	m.reserved -= grant
	if m.closed {
		m.mu.Unlock()
		for _, s := range created {
			_ = s.Browser.Close()
		}
		return nil, types.ErrManagerClosed
	}
	for _, s := range created {
		m.sessions[s.ID] = s
	}
	total := len(m.sessions)
	m.mu.Unlock()

	log.Info().
		Int("requested", count).
		Int("created", len(created)).
		Int("total_sessions", total).
		Msg("Session batch created")

	if spawnErr != nil && len(created) > 0 {
		log.Warn().Err(spawnErr).Msg("Some session launches failed")
	}

	if len(created) == 0 {
		if spawnErr != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrNoSessionsCreated, spawnErr)
		}
		return nil, types.ErrNoSessionsCreated
	}
	return created, nil
}

// spawnOne picks a proxy, launches a browser, and assembles the session.
func (m *Manager) spawnOne(ctx context.Context, req *types.ProxyRequirement, blocked map[string]struct{}) (*Session, error) {
	var picked *types.Proxy
	if m.pool != nil {
		p, err := m.pool.Pick(req, blocked)
		if err != nil {
			return nil, err
		}
		picked = p
	}

	b, err := m.provider.Spawn(ctx, picked)
	if err != nil {
		return nil, err
	}

	client, err := proxy.HTTPClient(picked)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	sess := &Session{
		ID:        "s-" + strings.TrimPrefix(b.ID, "b-"),
		Browser:   b,
		Proxy:     picked,
		CreatedAt: time.Now(),
		client:    client,
	}
	log.Debug().
		Str("session_id", sess.ID).
		Str("proxy_id", sess.Info().ProxyID).
		Msg("Session created")
	return sess, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return sess, nil
}

// Active returns a snapshot of live sessions in stable ID order.
func (m *Manager) Active() []types.SessionInfo {
	m.mu.Lock()
	infos := make([]types.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Destroy removes a session and closes its browser.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return types.ErrSessionNotFound
	}

	if err := sess.Browser.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Browser close failed during destroy")
	}
	log.Debug().
		Str("session_id", id).
		Dur("lifetime", time.Since(sess.CreatedAt)).
		Msg("Session destroyed")
	return nil
}

// Invalidate destroys a session whose browser is gone or misbehaving.
// Missing sessions are fine; invalidation races with normal teardown.
func (m *Manager) Invalidate(id string, cause error) {
	log.Warn().
		Err(cause).
		Str("session_id", id).
		Msg("Invalidating session")
	if err := m.Destroy(id); err != nil && err != types.ErrSessionNotFound {
		log.Warn().Err(err).Str("session_id", id).Msg("Session invalidation failed")
	}
}

// DestroyAll tears down every live session, closing browsers in
// parallel.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	doomed := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		doomed = append(doomed, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if len(doomed) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range doomed {
		s := sess
		eg.Go(func() error {
			if err := s.Browser.Close(); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("Browser close failed during teardown")
			}
			return nil
		})
	}
	_ = eg.Wait()

	log.Info().Int("destroyed", len(doomed)).Msg("All sessions destroyed")
}

// Close destroys all sessions and rejects further batches.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.DestroyAll()
	log.Info().Msg("Session manager closed")
}
