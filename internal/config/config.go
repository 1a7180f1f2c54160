package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/llm"
	"github.com/throw-if-null/catalyst/internal/paths"
)

type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
	ModeTest        Mode = "test"
)

func (m Mode) Development() bool { return m == ModeDevelopment }

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ModeProduction, nil
	case ModeDevelopment, "dev":
		return ModeDevelopment, nil
	case ModeProduction, "prod":
		return ModeProduction, nil
	case ModeTest:
		return ModeTest, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
}

type Config struct {
	Mode      Mode            `toml:"mode"`
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	AI        AIConfig        `toml:"ai"`
	Auth      AuthConfig      `toml:"auth"`
	Retention RetentionConfig `toml:"retention"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	RequestTimeoutMS  int      `toml:"request_timeout_ms"`
	ShutdownTimeoutMS int      `toml:"shutdown_timeout_ms"`
	CORSOrigins       []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type AIConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	TimeoutMS   int     `toml:"timeout_ms"`
	MaxRetries  int     `toml:"max_retries"`

	// Secrets come from the environment only.
	OpenAIKey     string `toml:"-"`
	OpenAIBaseURL string `toml:"openai_base_url"`
	GeminiKey     string `toml:"-"`
}

type AuthConfig struct {
	PublicRoutes      []string `toml:"public_routes"`
	AuthorizedParties []string `toml:"authorized_parties"`

	JWTKey string `toml:"-"`
	// BypassForTests disables auth in development (PLAYWRIGHT_TESTING=true).
	BypassForTests bool `toml:"-"`
}

type RetentionConfig struct {
	MaxAgeHours     int `toml:"max_age_hours"`
	PruneIntervalMS int `toml:"prune_interval_ms"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

func Default() Config {
	return Config{
		Mode: ModeProduction,
		Server: ServerConfig{
			Host:              api.DefaultHost,
			Port:              api.DefaultPort,
			RequestTimeoutMS:  120_000,
			ShutdownTimeoutMS: 10_000,
		},
		AI: AIConfig{
			Model:       llm.DefaultOpenAIModel,
			Temperature: llm.DefaultTemperature,
			TimeoutMS:   90_000,
			MaxRetries:  2,
		},
		Auth: AuthConfig{
			PublicRoutes: []string{"/sign-in(.*)", "/healthz", "/metrics"},
		},
		Retention: RetentionConfig{MaxAgeHours: 24 * 30, PruneIntervalMS: 60 * 60 * 1000},
		Telemetry: TelemetryConfig{ServiceName: "argon"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <root>/.catalyst/config.toml over the defaults. A missing file
// is not an error.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, paths.DataDirName, "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	if cfg.Mode != "" {
		def.Mode = cfg.Mode
	}
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	if cfg.Server.RequestTimeoutMS != 0 {
		def.Server.RequestTimeoutMS = cfg.Server.RequestTimeoutMS
	}
	if cfg.Server.ShutdownTimeoutMS != 0 {
		def.Server.ShutdownTimeoutMS = cfg.Server.ShutdownTimeoutMS
	}
	if len(cfg.Server.CORSOrigins) != 0 {
		def.Server.CORSOrigins = cfg.Server.CORSOrigins
	}
	// Database
	if cfg.Database.URL != "" {
		def.Database.URL = cfg.Database.URL
	}
	// AI
	if cfg.AI.Provider != "" {
		def.AI.Provider = cfg.AI.Provider
	}
	if cfg.AI.Model != "" {
		def.AI.Model = cfg.AI.Model
	}
	if cfg.AI.Temperature != 0 {
		def.AI.Temperature = cfg.AI.Temperature
	}
	if cfg.AI.MaxTokens != 0 {
		def.AI.MaxTokens = cfg.AI.MaxTokens
	}
	if cfg.AI.TimeoutMS != 0 {
		def.AI.TimeoutMS = cfg.AI.TimeoutMS
	}
	if cfg.AI.MaxRetries != 0 {
		def.AI.MaxRetries = cfg.AI.MaxRetries
	}
	if cfg.AI.OpenAIBaseURL != "" {
		def.AI.OpenAIBaseURL = cfg.AI.OpenAIBaseURL
	}
	// Auth
	if len(cfg.Auth.PublicRoutes) != 0 {
		def.Auth.PublicRoutes = cfg.Auth.PublicRoutes
	}
	if len(cfg.Auth.AuthorizedParties) != 0 {
		def.Auth.AuthorizedParties = cfg.Auth.AuthorizedParties
	}
	// Retention
	if cfg.Retention.MaxAgeHours != 0 {
		def.Retention.MaxAgeHours = cfg.Retention.MaxAgeHours
	}
	if cfg.Retention.PruneIntervalMS != 0 {
		def.Retention.PruneIntervalMS = cfg.Retention.PruneIntervalMS
	}
	// Telemetry
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	return def
}

// Lookup reads one environment variable.
type Lookup func(key string) (string, bool)

// EnvFiles lists the dotenv files for mode, highest precedence first.
func EnvFiles(root string, mode Mode) []string {
	return []string{
		filepath.Join(root, ".env."+string(mode)+".local"),
		filepath.Join(root, ".env.local"),
		filepath.Join(root, ".env"),
	}
}

// EnvLookup returns a Lookup that prefers the process environment and falls
// back to the dotenv files for mode. Earlier files win. Files are read, not
// loaded, so the process environment is left untouched.
func EnvLookup(root string, mode Mode, environ Lookup) (Lookup, error) {
	if environ == nil {
		environ = os.LookupEnv
	}
	merged := map[string]string{}
	for _, f := range EnvFiles(root, mode) {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, f, err)
		}
		for k, v := range vals {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := environ(key); ok {
			return v, true
		}
		v, ok := merged[key]
		return v, ok
	}, nil
}

// ApplyEnv overlays environment variables on cfg. Set variables win even when
// their value is a zero value such as AI_TEMPERATURE=0.
func ApplyEnv(cfg Config, env Lookup) (Config, error) {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := env("APP_ENV"); ok {
		m, err := ParseMode(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("APP_ENV: %w", err))
		} else {
			cfg.Mode = m
		}
	}
	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)
	str("DATABASE_URL", &cfg.Database.URL)
	str("OPENAI_API_KEY", &cfg.AI.OpenAIKey)
	str("OPENAI_BASE_URL", &cfg.AI.OpenAIBaseURL)
	str("GEMINI_API_KEY", &cfg.AI.GeminiKey)
	str("AI_PROVIDER", &cfg.AI.Provider)
	str("AI_MODEL", &cfg.AI.Model)
	num("AI_MAX_TOKENS", &cfg.AI.MaxTokens)
	if v, ok := env("AI_TEMPERATURE"); ok && strings.TrimSpace(v) != "" {
		t, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("AI_TEMPERATURE: %w", err))
		} else {
			cfg.AI.Temperature = t
		}
	}
	str("CLERK_JWT_KEY", &cfg.Auth.JWTKey)
	if v, ok := env("CLERK_AUTHORIZED_PARTIES"); ok && strings.TrimSpace(v) != "" {
		cfg.Auth.AuthorizedParties = splitList(v)
	}
	if v, ok := env("PLAYWRIGHT_TESTING"); ok {
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		cfg.Auth.BypassForTests = b
	}
	if v, ok := env("CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return cfg, nil
}

// Resolve builds the effective configuration for root: defaults, then the
// TOML file, then dotenv files and the environment.
func Resolve(root string, environ Lookup) (LoadResult, error) {
	res := Load(root)
	if res.ParseError != nil {
		return res, res.ParseError
	}
	if environ == nil {
		environ = os.LookupEnv
	}
	mode := res.Config.Mode
	if v, ok := environ("APP_ENV"); ok {
		m, err := ParseMode(v)
		if err != nil {
			return res, err
		}
		mode = m
	}
	env, err := EnvLookup(root, mode, environ)
	if err != nil {
		return res, err
	}
	cfg, err := ApplyEnv(res.Config, env)
	if err != nil {
		return res, err
	}
	res.Config = cfg
	return res, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeDevelopment, ModeProduction, ModeTest:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.AI.Provider) {
	case "", llm.ProviderOpenAI, llm.ProviderGemini, llm.ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("unknown ai provider %q", c.AI.Provider))
	}
	if err := c.ModelConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Retention.MaxAgeHours < 0 || c.Retention.PruneIntervalMS < 0 {
		errs = append(errs, errors.New("retention values must not be negative"))
	}
	if c.Mode == ModeProduction && c.Auth.JWTKey == "" {
		errs = append(errs, errors.New("CLERK_JWT_KEY is required in production"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ProviderName is the configured provider, or the one implied by the keys.
func (c Config) ProviderName() string {
	if p := strings.ToLower(strings.TrimSpace(c.AI.Provider)); p != "" {
		return p
	}
	return llm.ResolveProviderName(c.LLMSettings())
}

// ModelConfig is the immutable per-invocation model configuration. A Gemini
// provider with the OpenAI default model gets the Gemini default instead.
func (c Config) ModelConfig() llm.ModelConfig {
	model := c.AI.Model
	if c.ProviderName() == llm.ProviderGemini && model == llm.DefaultOpenAIModel {
		model = llm.DefaultGeminiModel
	}
	return llm.ModelConfig{Model: model, Temperature: c.AI.Temperature, MaxTokens: c.AI.MaxTokens}
}

// WriteTimeout bounds a response. It never undercuts the worst case of a
// provider call: every attempt timing out plus the backoff between them.
func (c Config) WriteTimeout() time.Duration {
	d := time.Duration(c.Server.RequestTimeoutMS) * time.Millisecond
	if c.AI.TimeoutMS <= 0 {
		return d
	}
	retries := max(c.AI.MaxRetries, 0)
	budget := time.Duration(c.AI.TimeoutMS)*time.Millisecond*time.Duration(retries+1) +
		time.Duration(retries)*maxRetryWait + writeHeadroom
	return max(d, budget)
}

const (
	// maxRetryWait is the retry backoff ceiling with full jitter applied.
	maxRetryWait  = 15 * time.Second
	writeHeadroom = 10 * time.Second
)

func (c Config) LLMSettings() llm.Settings {
	return llm.Settings{
		Provider:      c.AI.Provider,
		OpenAIKey:     c.AI.OpenAIKey,
		OpenAIBaseURL: c.AI.OpenAIBaseURL,
		GeminiKey:     c.AI.GeminiKey,
		Timeout:       time.Duration(c.AI.TimeoutMS) * time.Millisecond,
		Retry:         llm.RetryConfig{MaxRetries: c.AI.MaxRetries},
	}
}

// DatabaseURL returns the configured URL, or the local SQLite file under
// root. The bool reports whether the local default was used.
func (c Config) DatabaseURL(root string) (string, bool, error) {
	if c.Database.URL != "" {
		return c.Database.URL, false, nil
	}
	p, err := paths.DBPath(root)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

func (c Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
