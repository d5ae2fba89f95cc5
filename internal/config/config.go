package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/routing"
)

const (
	EnvWindowMS    = "RATE_LIMIT_WINDOW_MS"
	EnvMaxRequests = "RATE_LIMIT_MAX_REQUESTS"

	DefaultProtectedPrefix = "/api/v1"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Limits struct {
	WindowMS        int64  `yaml:"window_ms"`
	MaxRequests     int    `yaml:"max_requests"`
	ProtectedPrefix string `yaml:"protected_prefix"`
	Backend         string `yaml:"backend"` // "memory" (default) or "redis"
	SweepIntervalMS int64  `yaml:"sweep_interval_ms"`
	Redis           Redis  `yaml:"redis"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Route struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL         string            `yaml:"url"`
		TimeoutMS   int               `yaml:"timeout_ms"`
		StripPrefix bool              `yaml:"strip_prefix"`
		Headers     map[string]string `yaml:"headers"` // values go through os.ExpandEnv
	} `yaml:"upstream"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Limits        Limits        `yaml:"limits"`
	CORS          CORS          `yaml:"cors"`
	Routes        []Route       `yaml:"routes"`

	// Warnings lists ignored settings. Callers log them once the logger exists.
	Warnings []string `yaml:"-"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 30 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (l Limits) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		Window: time.Duration(l.WindowMS) * time.Millisecond,
		Max:    l.MaxRequests,
	}
}

func (l Limits) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMS) * time.Millisecond
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides from
// os.LookupEnv and fills defaults. A missing file is not an error.
func Load(path string) (*Root, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Root, error) {
	var cfg Root
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv(lookup)
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Root) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("LISTEN_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Observability.LogLevel = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Limits.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Limits.Redis.Password = v
	}

	// Bad limiter values fall back to the built-in defaults, never fail.
	if v, ok := lookup(EnvWindowMS); ok {
		n, err := windowMS(v)
		if err != nil {
			c.warnf("%s=%q ignored (%v), using %d", EnvWindowMS, v, err, ratelimit.DefaultWindow.Milliseconds())
			n = ratelimit.DefaultWindow.Milliseconds()
		}
		c.Limits.WindowMS = n
	}
	if v, ok := lookup(EnvMaxRequests); ok {
		n, err := positiveInt(v)
		if err != nil {
			c.warnf("%s=%q ignored (%v), using %d", EnvMaxRequests, v, err, ratelimit.DefaultMax)
			n = ratelimit.DefaultMax
		}
		c.Limits.MaxRequests = int(n)
	}
}

func (c *Root) applyDefaults() {
	for i := range c.Routes {
		if c.Routes[i].Upstream.TimeoutMS <= 0 {
			c.Routes[i].Upstream.TimeoutMS = 10000
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.PrometheusPath == "" {
		c.Observability.PrometheusPath = "/metrics"
	}
	if c.Limits.WindowMS > maxWindowMS {
		c.warnf("limits.window_ms=%d too large, using %d", c.Limits.WindowMS, ratelimit.DefaultWindow.Milliseconds())
		c.Limits.WindowMS = 0
	}
	if c.Limits.WindowMS <= 0 {
		c.Limits.WindowMS = ratelimit.DefaultWindow.Milliseconds()
	}
	if c.Limits.MaxRequests <= 0 {
		c.Limits.MaxRequests = ratelimit.DefaultMax
	}
	if c.Limits.ProtectedPrefix == "" {
		c.Limits.ProtectedPrefix = DefaultProtectedPrefix
	}
	switch strings.ToLower(strings.TrimSpace(c.Limits.Backend)) {
	case "", BackendMemory:
		c.Limits.Backend = BackendMemory
	case BackendRedis:
		c.Limits.Backend = BackendRedis
	default:
		c.warnf("limits.backend=%q unknown, using %s", c.Limits.Backend, BackendMemory)
		c.Limits.Backend = BackendMemory
	}
	if c.Limits.SweepIntervalMS <= 0 {
		c.Limits.SweepIntervalMS = time.Minute.Milliseconds()
	}
	if c.Limits.Redis.Prefix == "" {
		c.Limits.Redis.Prefix = "treeshop"
	}
}

func (c *Root) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// maxWindowMS is the largest window that still fits in a time.Duration.
const maxWindowMS = math.MaxInt64 / int64(time.Millisecond)

func windowMS(s string) (int64, error) {
	n, err := positiveInt(s)
	if err != nil {
		return 0, err
	}
	if n > maxWindowMS {
		return 0, errors.New("too large")
	}
	return n, nil
}

func positiveInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.New("not an integer")
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

// Router builds the upstream route table.
func (c *Root) Router() (*routing.Router, error) {
	rr := routing.New()
	for _, r := range c.Routes {
		if r.ID == "" {
			return nil, errors.New("route without id")
		}
		u, err := url.Parse(r.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("route %s: upstream url: %w", r.ID, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %s: upstream url %q must be absolute", r.ID, r.Upstream.URL)
		}

		methods := make(map[string]struct{}, len(r.Match.Methods))
		for _, m := range r.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		headers := make(map[string]string, len(r.Upstream.Headers))
		for k, v := range r.Upstream.Headers {
			headers[k] = os.ExpandEnv(v)
		}

		rr.Add(&routing.Route{
			ID:          r.ID,
			Methods:     methods,
			Prefix:      r.Match.PathPrefix,
			UpURL:       u,
			Timeout:     time.Duration(r.Upstream.TimeoutMS) * time.Millisecond,
			Headers:     headers,
			StripPrefix: r.Upstream.StripPrefix,
		})
	}
	return rr, nil
}
