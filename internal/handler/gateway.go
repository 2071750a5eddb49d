package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	fwd "github.com/fabian4/routegate/internal/forward"
	"github.com/fabian4/routegate/internal/lb"
	"github.com/fabian4/routegate/internal/logging"
	"github.com/fabian4/routegate/internal/metrics"
	"github.com/fabian4/routegate/internal/model"
	"github.com/fabian4/routegate/internal/router"
	"github.com/fabian4/routegate/internal/urlmatch"
)

// Options are the optional collaborators of a Gateway.
type Options struct {
	UpstreamTimeout time.Duration
	AccessLog       *logging.AccessLog // nil disables access logging
	Metrics         *metrics.Registry  // nil disables metrics
}

// Gateway resolves each request to a route, leases a backend from the
// route's balancer, forwards the request and releases the backend.
type Gateway struct {
	routes     *router.Store
	balancers  *lb.House
	transports fwd.Factory
	accessLog  *logging.AccessLog
	metrics    *metrics.Registry

	upstreamTimeout atomic.Int64
}

var _ http.Handler = (*Gateway)(nil)

func NewGateway(routes *router.Store, balancers *lb.House, f fwd.Factory, opts Options) *Gateway {
	g := &Gateway{
		routes:     routes,
		balancers:  balancers,
		transports: f,
		accessLog:  opts.AccessLog,
		metrics:    opts.Metrics,
	}
	g.upstreamTimeout.Store(int64(opts.UpstreamTimeout))
	return g
}

// SetUpstreamTimeout changes the timeout for subsequent requests.
func (g *Gateway) SetUpstreamTimeout(d time.Duration) { g.upstreamTimeout.Store(int64(d)) }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	entry := &logging.AccessEntry{
		Time:       start,
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		Protocol:   r.Proto,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Referer:    r.Referer(),
	}
	defer func() {
		entry.Status = lw.statusCode
		if entry.Status == 0 {
			entry.Status = http.StatusOK
		}
		entry.Duration = time.Since(start)
		entry.BytesWritten = lw.bytes
		g.accessLog.Log(entry)

		if g.metrics != nil {
			g.metrics.IncRequest(entry.Route, r.Method, strconv.Itoa(entry.Status))
		}
	}()

	resolved, err := g.routes.Load().Resolve(r.Method, r.Host, r.URL.EscapedPath(), r.URL.RawQuery)
	if err != nil {
		g.fail(lw, entry, err)
		return
	}
	route := resolved.Route
	entry.Route = route.Name

	balancer, err := g.balancers.Get(route)
	if err != nil {
		g.fail(lw, entry, err)
		return
	}
	entry.Balancer = balancer.Type()

	backend, err := balancer.Lease(r.Context(), r)
	if g.metrics != nil {
		g.metrics.IncLease(route.Name, balancer.Type(), leaseResult(err))
	}
	if err != nil {
		g.fail(lw, entry, err)
		return
	}
	defer lb.ReleaseFor(balancer, r, backend)
	if g.metrics != nil {
		if s, ok := balancer.(*lb.CookieStickySessions); ok {
			g.metrics.SetStickySessions(route.Name, s.Sessions())
		}
		g.metrics.IncInflight(route.Name, backend.String())
		defer g.metrics.DecInflight(route.Name, backend.String())
	}

	scheme := downstreamScheme(route, backend)
	target := targetURL(scheme, backend, resolved, r.URL.RawQuery)
	entry.Upstream = target

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	ctx := r.Context()
	if d := time.Duration(g.upstreamTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		entry.Error = err
		http.Error(lw, "bad request", http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr
	reqUp.ContentLength = r.ContentLength

	// Host policy
	switch {
	case route.HostRewrite != "":
		reqUp.Host = route.HostRewrite
	case route.PreserveHost:
		reqUp.Host = r.Host
	default:
		reqUp.Host = backend.Addr()
	}

	upStart := time.Now()
	resUp, err := g.transports.Get(scheme).RoundTrip(reqUp)
	if g.metrics != nil {
		g.metrics.ObserveLatency(route.Name, time.Since(upStart))
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"route": route.Name, "backend": backend.String()}).Warn("upstream error")
		g.fail(lw, entry, err)
		return
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			log.WithError(err).Debug("error closing upstream body")
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	copyHeaders(lw.Header(), resUp.Header)

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		lw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	lw.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	_, _ = io.Copy(lw, resUp.Body)

	// Copy trailer values
	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			lw.Header().Add(k, v)
		}
	}
}

func (g *Gateway) fail(w http.ResponseWriter, entry *logging.AccessEntry, err error) {
	entry.Error = err
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.WithError(err).WithField("route", entry.Route).Error("route cannot be served")
	}
	http.Error(w, http.StatusText(code), code)
}

// statusFor maps routing and balancing errors to a response status.
func statusFor(err error) int {
	var (
		notFound    *model.NotFoundError
		unavailable *model.ServiceUnavailableError
		config      *model.ConfigurationError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &config):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func leaseResult(err error) string {
	if err == nil {
		return "ok"
	}
	var unavailable *model.ServiceUnavailableError
	if errors.As(err, &unavailable) {
		return "unavailable"
	}
	return "error"
}

// --- helpers ---

func downstreamScheme(route *model.Route, b model.Backend) string {
	switch {
	case route.DownstreamScheme != "":
		return route.DownstreamScheme
	case b.Scheme != "":
		return b.Scheme
	default:
		return fwd.SchemeHTTP
	}
}

// targetURL expands the downstream template with the captured values and
// merges any query it carries with the inbound query. Inbound parameters
// captured by the upstream template's query are not passed on.
func targetURL(scheme string, b model.Backend, rr *model.ResolvedRoute, inboundQuery string) string {
	path, query := urlmatch.SplitQuery(urlmatch.Expand(rr.DownstreamPathTemplate, rr.Values))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	_, upstreamQuery := urlmatch.SplitQuery(rr.UpstreamPathTemplate)
	query = mergeQuery(query, inboundQuery, queryKeys(upstreamQuery))

	if scheme == fwd.SchemeH2C {
		scheme = fwd.SchemeHTTP
	}
	u := scheme + "://" + b.Addr() + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// mergeQuery appends the inbound parameters whose keys are neither set by
// the template query nor in skip.
func mergeQuery(template, inbound string, skip map[string]bool) string {
	set := queryKeys(template)
	out := make([]string, 0, 4)
	if template != "" {
		out = append(out, template)
	}
	for _, kv := range strings.Split(inbound, "&") {
		if kv == "" {
			continue
		}
		if k := queryKey(kv); !set[k] && !skip[k] {
			out = append(out, kv)
		}
	}
	return strings.Join(out, "&")
}

func queryKeys(q string) map[string]bool {
	keys := make(map[string]bool)
	for _, kv := range strings.Split(q, "&") {
		if kv != "" {
			keys[queryKey(kv)] = true
		}
	}
	return keys
}

func queryKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
