package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/routegate/internal/discovery"
	"github.com/fabian4/routegate/internal/lb"
	"github.com/fabian4/routegate/internal/model"
	"github.com/fabian4/routegate/internal/router"
)

type rawConfig struct {
	EntryPoint []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"entrypoint"`
	Metrics struct {
		Address string `yaml:"address"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Logging struct {
		Level             string   `yaml:"level"`
		Format            string   `yaml:"format"`
		AccessLog         *bool    `yaml:"access_log"`
		AccessLogSampling *float64 `yaml:"access_log_sampling"`
	} `yaml:"logging"`
	UpstreamTLS struct {
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		CAFile             string `yaml:"ca_file"`
	} `yaml:"upstream_tls"`
	Services []struct {
		Name      string   `yaml:"name"`
		Endpoints []string `yaml:"endpoints"`
	} `yaml:"services"`
	Routes   []rawRoute `yaml:"routes"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
}

type rawRoute struct {
	Name                   string   `yaml:"name"`
	UpstreamPathTemplate   string   `yaml:"upstream_path_template"`
	UpstreamPathTemplates  []string `yaml:"upstream_path_templates"`
	UpstreamHTTPMethod     []string `yaml:"upstream_http_method"`
	UpstreamHost           string   `yaml:"upstream_host"`
	RouteIsCaseSensitive   *bool    `yaml:"route_is_case_sensitive"`
	Priority               *int     `yaml:"priority"`
	DownstreamPathTemplate string   `yaml:"downstream_path_template"`
	DownstreamScheme       string   `yaml:"downstream_scheme"`
	Service                string   `yaml:"service"`
	Backends               []string `yaml:"backends"`
	LoadBalancer           struct {
		Type          string `yaml:"type"`
		Key           string `yaml:"key"`
		CookieName    string `yaml:"cookie_name"`
		Expiry        string `yaml:"expiry"`
		Inner         string `yaml:"inner"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"load_balancer"`
	Options struct {
		PreserveHost bool   `yaml:"preserve_host"`
		HostRewrite  string `yaml:"host_rewrite"`
	} `yaml:"options"`
}

type Config struct {
	Listen      string
	Metrics     Metrics
	Logging     Logging
	UpstreamTLS UpstreamTLS
	Services    []model.Service
	Routes      []model.Route
	Timeouts    Timeouts

	// Table is Routes compiled, ready to serve.
	Table *router.Table
}

type Metrics struct {
	Address string // empty disables the metrics listener
	Path    string
}

type Logging struct {
	Level             string
	Format            string // "text" | "json"
	AccessLog         bool
	AccessLogSampling float64 // fraction of requests logged, 0..1
}

type UpstreamTLS struct {
	InsecureSkipVerify bool
	CAFile             string
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

// Defaults for optional settings.
const (
	DefaultListen      = ":8080"
	DefaultMetricsPath = "/metrics"
	DefaultPriority    = 1
)

var downstreamSchemes = map[string]bool{"": true, "http": true, "https": true, "h2c": true}

// Load reads, parses and validates the YAML file at path. Every route is
// compiled and its load balancer options checked, so a config that loads is
// one the gateway can serve.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse is Load on an in-memory document.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	// listen
	listen := DefaultListen
	if len(rc.EntryPoint) > 0 && strings.TrimSpace(rc.EntryPoint[0].Address) != "" {
		listen = strings.TrimSpace(rc.EntryPoint[0].Address)
	}

	metrics := Metrics{Address: strings.TrimSpace(rc.Metrics.Address), Path: strings.TrimSpace(rc.Metrics.Path)}
	if metrics.Path == "" {
		metrics.Path = DefaultMetricsPath
	}
	if !strings.HasPrefix(metrics.Path, "/") {
		return nil, fmt.Errorf("metrics.path must start with '/'")
	}

	logging := Logging{
		Level:             strings.ToLower(strings.TrimSpace(rc.Logging.Level)),
		Format:            strings.ToLower(strings.TrimSpace(rc.Logging.Format)),
		AccessLog:         true,
		AccessLogSampling: 1,
	}
	if logging.Level == "" {
		logging.Level = "info"
	}
	switch logging.Format {
	case "":
		logging.Format = "text"
	case "text", "json":
	default:
		return nil, fmt.Errorf("logging.format: unknown format %q", logging.Format)
	}
	if rc.Logging.AccessLog != nil {
		logging.AccessLog = *rc.Logging.AccessLog
	}
	if s := rc.Logging.AccessLogSampling; s != nil {
		if *s < 0 || *s > 1 {
			return nil, fmt.Errorf("logging.access_log_sampling: %v is outside [0, 1]", *s)
		}
		logging.AccessLogSampling = *s
	}

	// services
	var svcs []model.Service
	seen := make(map[string]bool)
	for i, s := range rc.Services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("services: duplicate name %q", name)
		}
		seen[name] = true
		if len(s.Endpoints) == 0 {
			return nil, fmt.Errorf("services[%d]: endpoints is empty", i)
		}
		eps, err := parseBackends(s.Endpoints)
		if err != nil {
			return nil, fmt.Errorf("services[%d].%w", i, err)
		}
		svcs = append(svcs, model.Service{Name: name, Endpoints: eps})
	}

	// routes
	var routes []model.Route
	for i, r := range rc.Routes {
		rt, err := buildRoute(i, r)
		if err != nil {
			return nil, err
		}
		routes = append(routes, rt)
	}
	if len(routes) == 0 {
		return nil, errors.New("routes: at least one is required")
	}

	table, err := router.New(routes)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	provider := discovery.NewProvider(svcs)
	for i := range routes {
		rt := &routes[i]
		if err := lb.Validate(rt.LoadBalancerKey(), rt.LoadBalancer); err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if _, err := provider.For(rt); err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
	}

	// timeouts
	var timeouts Timeouts
	for _, t := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"read", rc.Timeouts.Read, &timeouts.Read},
		{"write", rc.Timeouts.Write, &timeouts.Write},
		{"upstream", rc.Timeouts.Upstream, &timeouts.Upstream},
	} {
		if err := parseDuration(t.raw, t.dst); err != nil {
			return nil, fmt.Errorf("timeouts.%s: %v", t.name, err)
		}
	}

	return &Config{
		Listen:  listen,
		Metrics: metrics,
		Logging: logging,
		UpstreamTLS: UpstreamTLS{
			InsecureSkipVerify: rc.UpstreamTLS.InsecureSkipVerify,
			CAFile:             strings.TrimSpace(rc.UpstreamTLS.CAFile),
		},
		Services: svcs,
		Routes:   routes,
		Timeouts: timeouts,
		Table:    table,
	}, nil
}

func buildRoute(i int, r rawRoute) (model.Route, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = fmt.Sprintf("route-%d", i)
	}

	var templates []string
	if t := strings.TrimSpace(r.UpstreamPathTemplate); t != "" {
		templates = append(templates, t)
	}
	for _, t := range r.UpstreamPathTemplates {
		if t = strings.TrimSpace(t); t != "" {
			templates = append(templates, t)
		}
	}
	if len(templates) == 0 {
		return model.Route{}, fmt.Errorf("routes[%d]: upstream_path_template is required", i)
	}
	for _, t := range templates {
		if !strings.HasPrefix(t, "/") {
			return model.Route{}, fmt.Errorf("routes[%d]: upstream_path_template %q must start with '/'", i, t)
		}
	}

	var methods []string
	for _, m := range r.UpstreamHTTPMethod {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}

	scheme := strings.ToLower(strings.TrimSpace(r.DownstreamScheme))
	if !downstreamSchemes[scheme] {
		return model.Route{}, fmt.Errorf("routes[%d]: unknown downstream_scheme %q", i, scheme)
	}

	backends, err := parseBackends(r.Backends)
	if err != nil {
		return model.Route{}, fmt.Errorf("routes[%d].%w", i, err)
	}

	lbo := model.LoadBalancerOptions{
		Type:       strings.TrimSpace(r.LoadBalancer.Type),
		Key:        strings.TrimSpace(r.LoadBalancer.Key),
		CookieName: strings.TrimSpace(r.LoadBalancer.CookieName),
		Inner:      strings.TrimSpace(r.LoadBalancer.Inner),
		Expiry:     model.DefaultSessionExpiry,
	}
	if typ, ok := lb.CanonicalType(lbo.Type); ok {
		lbo.Type = typ
	}
	if err := parseDuration(r.LoadBalancer.Expiry, &lbo.Expiry); err != nil {
		return model.Route{}, fmt.Errorf("routes[%d].load_balancer.expiry: %v", i, err)
	}
	if err := parseDuration(r.LoadBalancer.SweepInterval, &lbo.SweepInterval); err != nil {
		return model.Route{}, fmt.Errorf("routes[%d].load_balancer.sweep_interval: %v", i, err)
	}

	rt := model.Route{
		Name:                   name,
		UpstreamPathTemplates:  templates,
		UpstreamMethods:        methods,
		Host:                   strings.ToLower(strings.TrimSpace(r.UpstreamHost)),
		Priority:               DefaultPriority,
		DownstreamPathTemplate: strings.TrimSpace(r.DownstreamPathTemplate),
		DownstreamScheme:       scheme,
		Service:                strings.TrimSpace(r.Service),
		Backends:               backends,
		LoadBalancer:           lbo,
		PreserveHost:           r.Options.PreserveHost,
		HostRewrite:            strings.TrimSpace(r.Options.HostRewrite),
	}
	if r.RouteIsCaseSensitive != nil {
		rt.CaseInsensitive = !*r.RouteIsCaseSensitive
	}
	if r.Priority != nil {
		rt.Priority = *r.Priority
	}
	return rt, nil
}

func parseBackends(raw []string) ([]model.Backend, error) {
	var out []model.Backend
	for j, s := range raw {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: parse: %v", j, err)
		}
		switch u.Scheme {
		case "http", "https", "h2c":
		default:
			return nil, fmt.Errorf("endpoints[%d]: must be http(s) or h2c URL with host", j)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("endpoints[%d]: must be http(s) or h2c URL with host", j)
		}
		out = append(out, model.BackendFromURL(u))
	}
	return out, nil
}

func parseDuration(raw string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
