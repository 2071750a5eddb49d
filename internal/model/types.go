package model

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Load balancer type names as they appear in configuration.
const (
	NoLoadBalancer       = "NoLoadBalancer"
	LeastConnection      = "LeastConnection"
	CookieStickySessions = "CookieStickySessions"
)

// DefaultSessionExpiry is the sticky session TTL used when none is configured.
const DefaultSessionExpiry = 20 * time.Minute

// Backend is one downstream instance. Equal values are interchangeable.
type Backend struct {
	Scheme string
	Host   string
	Port   int
}

// BackendFromURL converts an endpoint URL ("http://10.0.0.1:8001") to a Backend.
// A missing port defaults from the scheme.
func BackendFromURL(u *url.URL) Backend {
	b := Backend{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	if p, err := strconv.Atoi(u.Port()); err == nil {
		b.Port = p
	} else if b.Scheme == "https" {
		b.Port = 443
	} else {
		b.Port = 80
	}
	return b
}

// Addr is host:port.
func (b Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func (b Backend) String() string {
	if b.Scheme == "" {
		return b.Addr()
	}
	return b.Scheme + "://" + b.Addr()
}

// PlaceholderValue is one captured template placeholder. Value is the raw,
// undecoded path text.
type PlaceholderValue struct {
	Name  string
	Value string
}

// LoadBalancerOptions selects and tunes a route's balancing strategy.
type LoadBalancerOptions struct {
	Type          string        // NoLoadBalancer | LeastConnection | CookieStickySessions
	Key           string        // optional explicit route identity
	CookieName    string        // sticky sessions only
	Expiry        time.Duration // sticky session TTL
	Inner         string        // strategy wrapped by sticky sessions
	SweepInterval time.Duration // 0 disables the background expiry sweep
}

// Service is a named pool of backends routes can share.
type Service struct {
	Name      string
	Endpoints []Backend // normalized, non-empty
}

// Route match + action.
type Route struct {
	Name string

	// match
	UpstreamPathTemplates []string // at least one
	UpstreamMethods       []string // empty => any
	Host                  string   // empty => wildcard
	CaseInsensitive       bool
	Priority              int

	// action
	DownstreamPathTemplate string
	DownstreamScheme       string
	Service                string    // Service.Name; empty when Backends is set
	Backends               []Backend // static backends
	LoadBalancer           LoadBalancerOptions
	PreserveHost           bool
	HostRewrite            string // optional; if set, overrides PreserveHost
}

// LoadBalancerKey is the route identity used to cache the route's balancer.
// The strategy type is not part of it: a type change must replace the
// balancer registered under the same identity.
func (r *Route) LoadBalancerKey() string {
	lbo := r.LoadBalancer
	if lbo.Key != "" {
		if strings.EqualFold(lbo.Type, CookieStickySessions) {
			return CookieStickySessions + ":" + lbo.Key
		}
		return lbo.Key
	}

	backends := make([]string, len(r.Backends))
	for i, b := range r.Backends {
		backends[i] = b.String()
	}
	return strings.Join([]string{
		ifEmpty(strings.ToUpper(strings.Join(r.UpstreamMethods, ",")), "ANY"),
		strings.Join(r.UpstreamPathTemplates, ","),
		ifEmpty(r.Host, "no-host"),
		ifEmpty(strings.Join(backends, ","), "no-backends"),
		ifEmpty(r.Service, "no-service"),
	}, "|")
}

// AllowsMethod reports whether the route accepts method (case-insensitive).
func (r *Route) AllowsMethod(method string) bool {
	if len(r.UpstreamMethods) == 0 {
		return true
	}
	for _, m := range r.UpstreamMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// ResolvedRoute is the outcome of route resolution.
type ResolvedRoute struct {
	Route                  *Route
	Values                 []PlaceholderValue
	UpstreamPathTemplate   string // the template that matched
	DownstreamPathTemplate string
}

// Value returns the captured value for name.
func (rr *ResolvedRoute) Value(name string) (string, bool) {
	for _, v := range rr.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

func ifEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
