package lb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/routegate/internal/model"
)

const cookie = "sessionid"

func withCookie(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/products/42", nil)
	if value != "" {
		r.AddCookie(&http.Cookie{Name: cookie, Value: value})
	}
	return r
}

// recorder is an inner strategy that hands out backends in turn and records
// what it was asked to do.
type recorder struct {
	backends []model.Backend
	gate     chan struct{} // when set, Lease blocks until it is closed

	leases atomic.Int64
	mu     sync.Mutex
	freed  []model.Backend
}

func (r *recorder) Type() string { return model.NoLoadBalancer }

func (r *recorder) Lease(ctx context.Context, _ *http.Request) (model.Backend, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return model.Backend{}, ctx.Err()
		}
	}
	n := r.leases.Add(1) - 1
	return r.backends[int(n)%len(r.backends)], nil
}

func (r *recorder) Release(b model.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freed = append(r.freed, b)
}

func (r *recorder) released() []model.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Backend(nil), r.freed...)
}

func TestCookieStickySessions_Affinity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &recorder{backends: []model.Backend{backendA, backendB}}
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clock)
	defer s.Close()
	ctx := context.Background()

	first, err := s.Lease(ctx, withCookie("alice"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second) // sliding expiry keeps the session alive
		got, err := s.Lease(ctx, withCookie("alice"))
		require.NoError(t, err)
		assert.Equal(t, first, got)
		s.Release(got)
	}
	assert.EqualValues(t, 1, inner.leases.Load())
	assert.Empty(t, inner.released(), "session leases stay held by the inner strategy")

	other, err := s.Lease(ctx, withCookie("bob"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, s.Sessions())
}

func TestCookieStickySessions_ExpiredSessionIsReleased(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &recorder{backends: []model.Backend{backendA, backendB}}
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clock)
	defer s.Close()
	ctx := context.Background()

	first, err := s.Lease(ctx, withCookie("alice"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := s.Lease(ctx, withCookie("alice"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.EqualValues(t, 2, inner.leases.Load())
	assert.Equal(t, []model.Backend{first}, inner.released())
	assert.Equal(t, 1, s.Sessions())
}

func TestCookieStickySessions_ConcurrentFirstRequestsShareOneLease(t *testing.T) {
	inner := &recorder{backends: []model.Backend{backendA, backendB}, gate: make(chan struct{})}
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clockwork.NewFakeClock())
	defer s.Close()

	var mu sync.Mutex
	got := map[model.Backend]int{}
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			be, err := s.Lease(context.Background(), withCookie("alice"))
			if err != nil {
				return err
			}
			mu.Lock()
			got[be]++
			mu.Unlock()
			return nil
		})
	}
	time.Sleep(20 * time.Millisecond)
	close(inner.gate)
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, inner.leases.Load())
	assert.Equal(t, map[model.Backend]int{backendA: 16}, got)
}

func TestCookieStickySessions_WaiterHonoursContext(t *testing.T) {
	inner := &recorder{backends: []model.Backend{backendA}, gate: make(chan struct{})}
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clockwork.NewFakeClock())
	defer s.Close()

	leader := make(chan error, 1)
	go func() {
		_, err := s.Lease(context.Background(), withCookie("alice"))
		leader <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Lease(ctx, withCookie("alice"))
	assert.ErrorIs(t, err, context.Canceled)

	close(inner.gate)
	require.NoError(t, <-leader)
	assert.EqualValues(t, 1, inner.leases.Load())
}

func TestCookieStickySessions_NoCookiePassesThrough(t *testing.T) {
	inner := NewLeastConnection("route", fixed(backendA, backendB))
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clockwork.NewFakeClock())
	defer s.Close()
	ctx := context.Background()

	req := withCookie("")
	be, err := s.Lease(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.InFlight()[be])
	assert.Zero(t, s.Sessions())

	ReleaseFor(s, req, be)
	assert.Equal(t, 0, inner.InFlight()[be])

	// a second release has nothing left to pass through
	ReleaseFor(s, req, be)
	assert.Equal(t, 0, inner.InFlight()[be])

	alice := withCookie("alice")
	pinned, err := s.Lease(ctx, alice)
	require.NoError(t, err)
	ReleaseFor(s, alice, pinned)
	s.Release(pinned)
	assert.Equal(t, 1, inner.InFlight()[pinned])
}

func TestCookieStickySessions_PinnedReleaseKeepsUnpinnedLease(t *testing.T) {
	inner := NewLeastConnection("route", fixed(backendA))
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clockwork.NewFakeClock())
	defer s.Close()
	ctx := context.Background()

	alice := withCookie("alice")
	_, err := s.Lease(ctx, alice)
	require.NoError(t, err)
	anon := withCookie("")
	_, err = s.Lease(ctx, anon)
	require.NoError(t, err)
	require.Equal(t, 2, inner.InFlight()[backendA])

	// a second call of the session finishes while the cookie-less one runs
	be, err := s.Lease(ctx, alice)
	require.NoError(t, err)
	ReleaseFor(s, alice, be)
	assert.Equal(t, 2, inner.InFlight()[backendA])

	ReleaseFor(s, anon, backendA)
	assert.Equal(t, 1, inner.InFlight()[backendA], "the session lease stays held")
}

func TestCookieStickySessions_WaiterOutlivesCancelledFirstRequest(t *testing.T) {
	inner := &recorder{backends: []model.Backend{backendA}, gate: make(chan struct{})}
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clockwork.NewFakeClock())
	defer s.Close()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Lease(firstCtx, withCookie("alice"))
		first <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) == 1
	}, time.Second, time.Millisecond)

	type result struct {
		be  model.Backend
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		be, err := s.Lease(context.Background(), withCookie("alice"))
		waiter <- result{be, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(inner.gate)
	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, backendA, got.be)
	assert.EqualValues(t, 1, inner.leases.Load())
	assert.Equal(t, 1, s.Sessions())
}

func TestCookieStickySessions_Sweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &recorder{backends: []model.Backend{backendA, backendB}}
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, time.Minute, clock)
	ctx := context.Background()

	a, err := s.Lease(ctx, withCookie("alice"))
	require.NoError(t, err)
	require.Equal(t, 1, s.Sessions())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return len(inner.released()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []model.Backend{a}, inner.released())
	assert.Zero(t, s.Sessions())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestCookieStickySessions_ManualSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &recorder{backends: []model.Backend{backendA}}
	s := NewCookieStickySessions("route", inner, cookie, time.Minute, 0, clock)
	defer s.Close()

	for _, c := range []string{"a", "b", "c"} {
		_, err := s.Lease(context.Background(), withCookie(c))
		require.NoError(t, err)
	}
	assert.Zero(t, s.Sweep())
	clock.Advance(time.Minute)
	assert.Equal(t, 3, s.Sweep())
	assert.Zero(t, s.Sessions())
	assert.Len(t, inner.released(), 3)
}
