package handler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/routegate/internal/discovery"
	fwd "github.com/fabian4/routegate/internal/forward"
	"github.com/fabian4/routegate/internal/lb"
	"github.com/fabian4/routegate/internal/logging"
	"github.com/fabian4/routegate/internal/metrics"
	"github.com/fabian4/routegate/internal/model"
	"github.com/fabian4/routegate/internal/router"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse url %q: %v", s, err)
	}
	return u
}

func backendOf(t *testing.T, srv *httptest.Server) model.Backend {
	t.Helper()
	return model.BackendFromURL(mustURL(t, srv.URL))
}

type fixture struct {
	gw    *Gateway
	house *lb.House
}

func newFixture(t *testing.T, src lb.SupplierSource, opts Options, routes ...model.Route) *fixture {
	t.Helper()
	tbl, err := router.New(routes)
	require.NoError(t, err)
	if src == nil {
		src = discovery.NewProvider(nil)
	}
	house := lb.NewHouse(lb.NewFactory(src, nil))
	t.Cleanup(func() { _ = house.Close() })
	return &fixture{
		gw:    NewGateway(router.NewStore(tbl), house, fwd.NewDefaultRegistry(), opts),
		house: house,
	}
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.gw.ServeHTTP(rr, req)
	return rr
}

func TestGateway_BasicRouteAndHeaders(t *testing.T) {
	// upstream server that reflects selected Host and certain headers
	var seenHost, seenPath, seenQuery, seenConn, seenUpgrade, seenXFP, seenXFF string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenPath = r.URL.Path
		seenQuery = r.URL.RawQuery
		seenConn = r.Header.Get("Connection")
		seenUpgrade = r.Header.Get("Upgrade")
		seenXFP = r.Header.Get("X-Forwarded-Proto")
		seenXFF = r.Header.Get("X-Forwarded-For")
		w.Header().Set("X-Up", "ok")
		w.WriteHeader(200)
	}))
	defer up.Close()

	f := newFixture(t, nil, Options{}, model.Route{
		Name:                   "r1",
		Host:                   "app.example.com",
		UpstreamPathTemplates:  []string{"/api/{rest}"},
		DownstreamPathTemplate: "/v1/{rest}",
		Backends:               []model.Backend{backendOf(t, up)},
	})

	req := httptest.NewRequest("GET", "http://gw.local/api/ping/deep?x=1", nil)
	req.Host = "app.example.com"
	req.RemoteAddr = "203.0.113.10:54321"
	req.TLS = &tls.ConnectionState{} // to mark client->gateway as https for XFP

	// hop-by-hop on purpose; should be removed
	req.Header.Set("Connection", "keep-alive, FooHop")
	req.Header.Set("FooHop", "1")
	req.Header.Set("Upgrade", "websocket")

	rr := f.serve(req)
	require.Equal(t, 200, rr.Code)
	assert.Equal(t, "ok", rr.Header().Get("X-Up"))

	// default host policy: upstream host is the backend address
	assert.Equal(t, mustURL(t, up.URL).Host, seenHost)
	assert.Equal(t, "/v1/ping/deep", seenPath)
	assert.Equal(t, "x=1", seenQuery)
	assert.Empty(t, seenConn, "hop-by-hop leaked")
	assert.Empty(t, seenUpgrade, "hop-by-hop leaked")
	assert.Equal(t, "https", seenXFP)
	assert.Equal(t, "203.0.113.10", seenXFF)
}

func TestGateway_HostPolicy(t *testing.T) {
	var seenHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		w.WriteHeader(204)
	}))
	defer up.Close()

	preserve := model.Route{
		Name:                  "preserve",
		UpstreamPathTemplates: []string{"/preserve"},
		Backends:              []model.Backend{backendOf(t, up)},
		PreserveHost:          true,
	}
	rewrite := model.Route{
		Name:                  "rewrite",
		UpstreamPathTemplates: []string{"/rewrite"},
		Backends:              []model.Backend{backendOf(t, up)},
		PreserveHost:          true,
		HostRewrite:           "rewrite.local",
	}
	f := newFixture(t, nil, Options{}, preserve, rewrite)

	for path, want := range map[string]string{"/preserve": "app.example.com", "/rewrite": "rewrite.local"} {
		req := httptest.NewRequest("GET", "http://gw.local"+path, nil)
		req.Host = "app.example.com"
		rr := f.serve(req)
		require.Equal(t, 204, rr.Code, path)
		assert.Equal(t, want, seenHost, path)
	}
}

func TestGateway_QueryTemplate(t *testing.T) {
	var seenPath, seenQuery string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath, seenQuery = r.URL.Path, r.URL.RawQuery
	}))
	defer up.Close()

	f := newFixture(t, nil, Options{}, model.Route{
		Name:                   "units",
		UpstreamPathTemplates:  []string{"/api/units/{unit}/updates?unitId={unitId}"},
		DownstreamPathTemplate: "/units/{unit}/updates/{unitId}?expand=true",
		Backends:               []model.Backend{backendOf(t, up)},
	})

	rr := f.serve(httptest.NewRequest("GET", "http://gw.local/api/units/1/updates?unitId=2&page=3", nil))
	require.Equal(t, 200, rr.Code)
	assert.Equal(t, "/units/1/updates/2", seenPath)
	assert.Equal(t, "expand=true&page=3", seenQuery)
}

func TestGateway_ErrorStatuses(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadBackend := backendOf(t, dead)
	dead.Close()

	src := lb.SupplierSourceFunc(func(r *model.Route) (lb.Supplier, error) {
		if r.Service == "empty" {
			return discovery.Static(nil), nil
		}
		return discovery.Static(r.Backends), nil
	})
	f := newFixture(t, src, Options{},
		model.Route{
			Name:                  "empty",
			UpstreamPathTemplates: []string{"/empty"},
			Service:               "empty",
		},
		model.Route{
			Name:                  "misconfigured",
			UpstreamPathTemplates: []string{"/misconfigured"},
			Backends:              []model.Backend{deadBackend},
			LoadBalancer:          model.LoadBalancerOptions{Type: "RoundRobin"},
		},
		model.Route{
			Name:                  "down",
			UpstreamPathTemplates: []string{"/down"},
			Backends:              []model.Backend{deadBackend},
			LoadBalancer:          model.LoadBalancerOptions{Type: model.LeastConnection},
		},
	)

	cases := map[string]int{
		"/nowhere":       http.StatusNotFound,
		"/empty":         http.StatusServiceUnavailable,
		"/misconfigured": http.StatusInternalServerError,
		"/down":          http.StatusBadGateway,
	}
	for path, want := range cases {
		rr := f.serve(httptest.NewRequest("GET", "http://gw.local"+path, nil))
		assert.Equal(t, want, rr.Code, path)
	}
}

func TestGateway_ReleasesLeaseOnEveryPath(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(200)
	}))
	defer up.Close()

	route := model.Route{
		Name:                  "r1",
		UpstreamPathTemplates: []string{"/{path}"},
		Backends:              []model.Backend{backendOf(t, up)},
		LoadBalancer:          model.LoadBalancerOptions{Type: model.LeastConnection},
	}
	f := newFixture(t, nil, Options{}, route)

	for _, path := range []string{"/ok", "/fail", "/ok"} {
		f.serve(httptest.NewRequest("GET", "http://gw.local"+path, nil))
	}
	b, err := f.house.Get(&route)
	require.NoError(t, err)
	for be, n := range b.(*lb.LeastConnection).InFlight() {
		assert.Zero(t, n, be.String())
	}
}

func TestGateway_StickySessions(t *testing.T) {
	newUpstream := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Backend", name)
		}))
	}
	a, b := newUpstream("a"), newUpstream("b")
	defer a.Close()
	defer b.Close()

	route := model.Route{
		Name:                  "carts",
		UpstreamPathTemplates: []string{"/cart"},
		Backends:              []model.Backend{backendOf(t, a), backendOf(t, b)},
		LoadBalancer: model.LoadBalancerOptions{
			Type:       model.CookieStickySessions,
			CookieName: "sid",
			Expiry:     model.DefaultSessionExpiry,
		},
	}
	reg := metrics.NewRegistry()
	f := newFixture(t, nil, Options{Metrics: reg}, route)

	hit := func(sid string) string {
		req := httptest.NewRequest("GET", "http://gw.local/cart", nil)
		req.AddCookie(&http.Cookie{Name: "sid", Value: sid})
		rr := f.serve(req)
		require.Equal(t, 200, rr.Code)
		return rr.Header().Get("X-Backend")
	}

	alice := hit("alice")
	bob := hit("bob")
	assert.NotEqual(t, alice, bob)
	for i := 0; i < 5; i++ {
		assert.Equal(t, alice, hit("alice"))
		assert.Equal(t, bob, hit("bob"))
	}

	// a finished cookie-less call gives its lease back; the two sessions keep theirs
	require.Equal(t, 200, f.serve(httptest.NewRequest("GET", "http://gw.local/cart", nil)).Code)
	bal, err := f.house.Get(&route)
	require.NoError(t, err)
	inner := bal.(*lb.CookieStickySessions).Inner().(*lb.LeastConnection)
	total := 0
	for _, n := range inner.InFlight() {
		total += n
	}
	assert.Equal(t, 2, total)

	scrape := httptest.NewRecorder()
	reg.Handler().ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `routegate_lb_sticky_sessions{route="carts"} 2`)
}

func TestGateway_AccessLogAndMetrics(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	var buf bytes.Buffer
	reg := metrics.NewRegistry()
	f := newFixture(t, nil, Options{AccessLog: logging.NewAccessLog(&buf, 1), Metrics: reg}, model.Route{
		Name:                  "r1",
		Host:                  "log.local",
		UpstreamPathTemplates: []string{"/foo"},
		Backends:              []model.Backend{backendOf(t, up)},
	})

	req := httptest.NewRequest("GET", "http://gw.local/foo", nil)
	req.Host = "log.local"
	rr := f.serve(req)
	require.Equal(t, 200, rr.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/foo", line["path"])
	assert.EqualValues(t, 200, line["status"])
	assert.Equal(t, "r1", line["route"])
	assert.Equal(t, model.NoLoadBalancer, line["balancer"])
	assert.Equal(t, up.URL+"/foo", line["upstream"])
	assert.EqualValues(t, 2, line["bytes_written"])

	scrape := httptest.NewRecorder()
	reg.Handler().ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))
	body := scrape.Body.String()
	assert.Contains(t, body, `routegate_requests_total{method="GET",route="r1",status="200"} 1`)
	assert.Contains(t, body, `routegate_lb_leases_total{balancer="NoLoadBalancer",result="ok",route="r1"} 1`)
	assert.Contains(t, body, fmt.Sprintf(`routegate_lb_inflight{backend=%q,route="r1"} 0`, backendOf(t, up).String()))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&model.NotFoundError{}, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", &model.ServiceUnavailableError{Key: "k"}), http.StatusServiceUnavailable},
		{&model.ConfigurationError{Route: "r"}, http.StatusInternalServerError},
		{fmt.Errorf("dial: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestMergeQuery(t *testing.T) {
	assert.Equal(t, "a=1", mergeQuery("", "a=1", nil))
	assert.Equal(t, "a=1", mergeQuery("a=1", "", nil))
	assert.Equal(t, "a=1&b=2", mergeQuery("a=1", "a=9&b=2", nil))
	assert.Equal(t, "b=2", mergeQuery("", "id=7&b=2", map[string]bool{"id": true}))
}
