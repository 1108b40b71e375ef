package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	RateLimitScopeAll    = "all"
	RateLimitScopeScoped = "scoped"

	StorageMemory  = "memory"
	StorageLevelDB = "leveldb"
)

var (
	DefaultProductionOrigins = []string{
		"https://complianceflow.es",
		"https://www.complianceflow.es",
		"https://app.complianceflow.es",
	}
	DefaultDevelopmentOrigins = []string{
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
	DefaultPrecache = []string{
		"/",
		"/offline.html",
		"/manifest.json",
		"/favicon.ico",
	}
)

type Config struct {
	Environment string `yaml:"environment"`

	Server struct {
		Port        int    `yaml:"port"`
		Origin      string `yaml:"origin"`
		MetricsPath string `yaml:"metricsPath"`
	} `yaml:"server"`

	Gatekeeper Gatekeeper `yaml:"gatekeeper"`
	Offline    Offline    `yaml:"offline"`
	Logging    Logging    `yaml:"logging"`
}

type Gatekeeper struct {
	// Match selects the paths subject to origin checks, e.g. "PathPrefix(/api/)".
	Match   string `yaml:"match"`
	Origins struct {
		Production  []string `yaml:"production"`
		Development []string `yaml:"development"`
	} `yaml:"origins"`
	RateLimit RateLimit `yaml:"rateLimit"`

	matchers []pathPrefixMatcher
}

type RateLimit struct {
	Max        int    `yaml:"max"`
	Window     string `yaml:"window"`
	Scope      string `yaml:"scope"`
	SweepEvery string `yaml:"sweepEvery"`
	Redis      struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"keyPrefix"`
	} `yaml:"redis"`

	windowDur time.Duration
	sweepDur  time.Duration
}

type Offline struct {
	Listen      string   `yaml:"listen"`
	Origin      string   `yaml:"origin"`
	CacheName   string   `yaml:"cacheName"`
	Precache    []string `yaml:"precache"`
	OfflinePage string   `yaml:"offlinePage"`
	APIMarker   string   `yaml:"apiMarker"`
	Sitemaps    []string `yaml:"sitemaps"`
	SyncTags    []string `yaml:"syncTags"`
	Storage     struct {
		Kind string `yaml:"kind"`
		Path string `yaml:"path"`
		Max  string `yaml:"max"`
	} `yaml:"storage"`

	storageMax int64
}

type Logging struct {
	Level      string `yaml:"level"`
	StatsEvery string `yaml:"statsEvery"`

	level         zerolog.Level
	statsEveryDur time.Duration
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// Load reads the YAML file at path. CFEDGE_ENV, when set, overrides the
// environment field.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, err
	}
	if env := os.Getenv("CFEDGE_ENV"); env != "" {
		cfg.Environment = strings.ToLower(strings.TrimSpace(env))
	}
	return cfg, nil
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}

	if err := cfg.Gatekeeper.compile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Offline.compile(cfg.Server.Origin); err != nil {
		return Config{}, err
	}
	if err := cfg.Logging.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (g *Gatekeeper) compile() error {
	if g.Match == "" {
		g.Match = "PathPrefix(/api/)"
	}
	ms, err := parseMatch(g.Match)
	if err != nil {
		return fmt.Errorf("gatekeeper.match: %w", err)
	}
	g.matchers = ms

	if len(g.Origins.Production) == 0 {
		g.Origins.Production = DefaultProductionOrigins
	}
	if len(g.Origins.Development) == 0 {
		g.Origins.Development = DefaultDevelopmentOrigins
	}

	rl := &g.RateLimit
	if rl.Max == 0 {
		rl.Max = 100
	}
	if rl.Max < 0 {
		return fmt.Errorf("gatekeeper.rateLimit.max must be positive")
	}
	if rl.Window == "" {
		rl.Window = "60s"
	}
	if rl.windowDur, err = parsePositiveDuration(rl.Window); err != nil {
		return fmt.Errorf("gatekeeper.rateLimit.window: %w", err)
	}
	if rl.SweepEvery == "" {
		rl.SweepEvery = "1m"
	}
	if rl.sweepDur, err = parsePositiveDuration(rl.SweepEvery); err != nil {
		return fmt.Errorf("gatekeeper.rateLimit.sweepEvery: %w", err)
	}
	rl.Scope = strings.ToLower(strings.TrimSpace(rl.Scope))
	switch rl.Scope {
	case "":
		rl.Scope = RateLimitScopeAll
	case RateLimitScopeAll, RateLimitScopeScoped:
	default:
		return fmt.Errorf("gatekeeper.rateLimit.scope: unknown scope %q", rl.Scope)
	}
	if rl.Redis.KeyPrefix == "" {
		rl.Redis.KeyPrefix = "cfedge:ratelimit:"
	}
	return nil
}

func (o *Offline) compile(serverOrigin string) error {
	if o.Origin == "" {
		o.Origin = serverOrigin
	}
	o.Origin = strings.TrimRight(o.Origin, "/")
	if o.CacheName == "" {
		o.CacheName = "complianceflow-v1"
	}
	if o.OfflinePage == "" {
		o.OfflinePage = "/offline.html"
	}
	if len(o.Precache) == 0 {
		o.Precache = DefaultPrecache
	}
	hasOfflinePage := false
	for _, p := range o.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("offline.precache: %q must start with /", p)
		}
		if p == o.OfflinePage {
			hasOfflinePage = true
		}
	}
	if !hasOfflinePage {
		o.Precache = append(append([]string{}, o.Precache...), o.OfflinePage)
	}
	if o.APIMarker == "" {
		o.APIMarker = "/api/"
	}
	if len(o.SyncTags) == 0 {
		o.SyncTags = []string{"contact-form-sync"}
	}

	o.Storage.Kind = strings.ToLower(strings.TrimSpace(o.Storage.Kind))
	switch o.Storage.Kind {
	case "":
		o.Storage.Kind = StorageMemory
	case StorageMemory:
	case StorageLevelDB:
		if o.Storage.Path == "" {
			o.Storage.Path = "./data/leveldb"
		}
		if o.Storage.Max == "" {
			o.Storage.Max = "256mb"
		}
		n, err := parseBytes(o.Storage.Max)
		if err != nil {
			return fmt.Errorf("offline.storage.max: %w", err)
		}
		o.storageMax = n
	default:
		return fmt.Errorf("offline.storage.kind: unknown kind %q", o.Storage.Kind)
	}
	return nil
}

func (l *Logging) compile() error {
	if l.Level == "" {
		l.Level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	l.level = lvl
	if l.StatsEvery != "" {
		d, err := time.ParseDuration(l.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		l.statsEveryDur = d
	}
	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// Scoped reports whether path is subject to origin checks.
func (g *Gatekeeper) Scoped(path string) bool {
	for _, m := range g.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// ActiveOrigins returns the allow-list for the given environment.
func (g *Gatekeeper) ActiveOrigins(env string) []string {
	if env == EnvProduction {
		return g.Origins.Production
	}
	return g.Origins.Development
}

func (r *RateLimit) WindowDuration() time.Duration { return r.windowDur }
func (r *RateLimit) SweepInterval() time.Duration  { return r.sweepDur }

func (o *Offline) StorageMaxBytes() int64 { return o.storageMax }

func (l *Logging) ZerologLevel() zerolog.Level  { return l.level }
func (l *Logging) StatsInterval() time.Duration { return l.statsEveryDur }

func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }
