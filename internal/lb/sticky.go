package lb

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/fabian4/routegate/internal/model"
)

// CookieStickySessions pins a session cookie value to the backend the inner
// strategy first chose for it. The inner lease is held for the life of the
// session and returned to the inner strategy only when the session expires,
// so Release never reaches the inner strategy. Requests without the cookie
// have no affinity: their leases come from the inner strategy and go back to
// it through ReleaseFor.
//
// Expiry is sliding: every hit pushes it out by the TTL. Expired sessions are
// dropped when next looked up and, if a sweep interval is set, by a
// background sweep that stops on Close.
type CookieStickySessions struct {
	key        string
	cookieName string
	ttl        time.Duration
	inner      Balancer
	clock      clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*session      // +checklocks:mu
	pending  map[string]*pendingLease // +checklocks:mu
	unpinned map[model.Backend]int    // +checklocks:mu

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type session struct {
	backend model.Backend
	expiry  time.Time
}

// pendingLease is an inner lease in progress for a session key. Concurrent
// first requests of one session wait for it instead of taking their own.
type pendingLease struct {
	done chan struct{}
	err  error
}

var _ Balancer = (*CookieStickySessions)(nil)

// NewCookieStickySessions wraps inner. A positive sweep starts a background
// expiry sweep at that interval.
func NewCookieStickySessions(key string, inner Balancer, cookieName string, ttl, sweep time.Duration, clock clockwork.Clock) *CookieStickySessions {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &CookieStickySessions{
		key:        key,
		cookieName: cookieName,
		ttl:        ttl,
		inner:      inner,
		clock:      clock,
		sessions:   make(map[string]*session),
		pending:    make(map[string]*pendingLease),
		unpinned:   make(map[model.Backend]int),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if sweep > 0 {
		go s.run(sweep)
	} else {
		close(s.stopped)
	}
	return s
}

func (s *CookieStickySessions) Type() string { return model.CookieStickySessions }

// Inner returns the wrapped strategy.
func (s *CookieStickySessions) Inner() Balancer { return s.inner }

func (s *CookieStickySessions) Lease(ctx context.Context, r *http.Request) (model.Backend, error) {
	cookie := s.cookie(r)
	if cookie == "" {
		return s.leaseUnpinned(ctx, r)
	}
	key := s.sessionKey(cookie)

	for {
		now := s.clock.Now()

		s.mu.Lock()
		var expired *session
		if ss, ok := s.sessions[key]; ok {
			if now.Before(ss.expiry) {
				ss.expiry = now.Add(s.ttl)
				s.mu.Unlock()
				return ss.backend, nil
			}
			delete(s.sessions, key)
			expired = ss
		}
		if p, ok := s.pending[key]; ok {
			s.mu.Unlock()
			s.releaseSession(expired)
			select {
			case <-p.done:
			case <-ctx.Done():
				return model.Backend{}, ctx.Err()
			}
			if p.err != nil {
				// the first request gave up; a live waiter leases for itself
				if isContextErr(p.err) && ctx.Err() == nil {
					continue
				}
				return model.Backend{}, p.err
			}
			// the session is now committed, look it up again
			continue
		}
		p := &pendingLease{done: make(chan struct{})}
		s.pending[key] = p
		s.mu.Unlock()
		s.releaseSession(expired)

		backend, err := s.inner.Lease(ctx, r)

		s.mu.Lock()
		delete(s.pending, key)
		if err == nil {
			s.sessions[key] = &session{backend: backend, expiry: s.clock.Now().Add(s.ttl)}
		}
		p.err = err
		close(p.done)
		s.mu.Unlock()
		return backend, err
	}
}

func (s *CookieStickySessions) leaseUnpinned(ctx context.Context, r *http.Request) (model.Backend, error) {
	backend, err := s.inner.Lease(ctx, r)
	if err != nil {
		return backend, err
	}
	s.mu.Lock()
	s.unpinned[backend]++
	s.mu.Unlock()
	return backend, nil
}

// Release ends a call on a session backend. It does not reach the inner
// strategy: session leases are released when the session expires.
func (s *CookieStickySessions) Release(model.Backend) {}

// ReleaseFor ends the call r leased backend for. Leases taken without a
// session cookie go back to the inner strategy; session leases stay held.
func (s *CookieStickySessions) ReleaseFor(r *http.Request, backend model.Backend) {
	if s.cookie(r) != "" {
		return
	}
	s.mu.Lock()
	n := s.unpinned[backend]
	switch {
	case n > 1:
		s.unpinned[backend] = n - 1
	case n == 1:
		delete(s.unpinned, backend)
	}
	s.mu.Unlock()

	if n > 0 {
		s.inner.Release(backend)
	}
}

// Sweep drops expired sessions and releases their inner leases.
func (s *CookieStickySessions) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []*session
	for k, ss := range s.sessions {
		if !now.Before(ss.expiry) {
			delete(s.sessions, k)
			expired = append(expired, ss)
		}
	}
	s.mu.Unlock()

	for _, ss := range expired {
		s.releaseSession(ss)
	}
	if len(expired) > 0 {
		log.WithFields(log.Fields{"route": s.key, "expired": len(expired)}).Debug("sticky sessions swept")
	}
	return len(expired)
}

// Sessions returns the number of live (possibly expired but not yet swept)
// sessions.
func (s *CookieStickySessions) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the background sweep. Leases held by sessions are dropped with
// the inner strategy.
func (s *CookieStickySessions) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *CookieStickySessions) run(interval time.Duration) {
	defer close(s.stopped)
	t := s.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.Chan():
			s.Sweep()
		}
	}
}

func (s *CookieStickySessions) releaseSession(ss *session) {
	if ss != nil {
		s.inner.Release(ss.backend)
	}
}

func (s *CookieStickySessions) cookie(r *http.Request) string {
	if r == nil {
		return ""
	}
	if c, err := r.Cookie(s.cookieName); err == nil {
		return c.Value
	}
	return ""
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *CookieStickySessions) sessionKey(cookie string) string {
	if cookie == "" {
		return s.key
	}
	return s.key + ":" + cookie
}
