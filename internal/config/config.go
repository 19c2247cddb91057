package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is used when RETINALAB_CONFIG is unset.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreBackend  string `yaml:"storeBackend"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionSecret string `yaml:"sessionSecret"`
	SessionTTL    string `yaml:"sessionTTL"`

	StorageBackend string `yaml:"storageBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	S3Region       string `yaml:"s3Region"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	S3UsePathStyle bool   `yaml:"s3UsePathStyle"`
	FileStorageDir string `yaml:"fileStorageDir"`
	PublicBaseURL  string `yaml:"publicBaseURL"`
	PresignExpiry  string `yaml:"presignExpiry"`
	MaxImageBytes  int64  `yaml:"maxImageBytes"`

	LLMProvider  string `yaml:"llmProvider"`
	LLMBaseURL   string `yaml:"llmBaseURL"`
	LLMAPIKey    string `yaml:"llmAPIKey"`
	LLMModel     string `yaml:"llmModel"`
	VisionModel  string `yaml:"visionModel"`
	LLMMaxTokens int    `yaml:"llmMaxTokens"`
	GeminiAPIKey string `yaml:"geminiAPIKey"`
	GeminiModel  string `yaml:"geminiModel"`

	AnalysisTimeout string `yaml:"analysisTimeout"`
	ChatTimeout     string `yaml:"chatTimeout"`
	RendererURL     string `yaml:"rendererURL"`
	RenderTimeout   string `yaml:"renderTimeout"`

	EventsBackend     string `yaml:"eventsBackend"`
	EventsStream      string `yaml:"eventsStream"`
	AMQPURL           string `yaml:"amqpURL"`
	AMQPExchange      string `yaml:"amqpExchange"`
	AMQPQueue         string `yaml:"amqpQueue"`
	NotifyURL         string `yaml:"notifyURL"`
	NotifyAPIKey      string `yaml:"notifyAPIKey"`
	NotifyConcurrency int    `yaml:"notifyConcurrency"`

	LoginRateLimit     int      `yaml:"loginRateLimit"`
	LoginRateWindow    string   `yaml:"loginRateWindow"`
	AnalyzePerMinute   float64  `yaml:"analyzePerMinute"`
	ChatPerMinute      float64  `yaml:"chatPerMinute"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxies     []string `yaml:"trustedProxies"`
}

// ResolvePath returns RETINALAB_CONFIG or ConfigPath.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("RETINALAB_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to ResolvePath()), applies environment
// overrides and defaults, then validates.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ResolvePath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                      &cfg.Port,
		"LOG_LEVEL":                 &cfg.LogLevel,
		"RETINALAB_STORE_BACKEND":   &cfg.StoreBackend,
		"DATABASE_URL":              &cfg.DatabaseURL,
		"REDIS_ADDR":                &cfg.RedisAddr,
		"REDIS_PASSWORD":            &cfg.RedisPassword,
		"SESSION_SECRET":            &cfg.SessionSecret,
		"SESSION_TTL":               &cfg.SessionTTL,
		"RETINALAB_STORAGE_BACKEND": &cfg.StorageBackend,
		"MINIO_ENDPOINT":            &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":          &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":          &cfg.MinioSecretKey,
		"MINIO_BUCKET":              &cfg.MinioBucket,
		"S3_REGION":                 &cfg.S3Region,
		"S3_BUCKET":                 &cfg.S3Bucket,
		"S3_ACCESS_KEY":             &cfg.S3AccessKey,
		"S3_SECRET_KEY":             &cfg.S3SecretKey,
		"S3_ENDPOINT":               &cfg.S3Endpoint,
		"STORAGE_DIR":               &cfg.FileStorageDir,
		"STORAGE_PUBLIC_BASE_URL":   &cfg.PublicBaseURL,
		"LLM_PROVIDER":              &cfg.LLMProvider,
		"LLM_BASE_URL":              &cfg.LLMBaseURL,
		"LLM_API_KEY":               &cfg.LLMAPIKey,
		"LLM_MODEL":                 &cfg.LLMModel,
		"LLM_VISION_MODEL":          &cfg.VisionModel,
		"GEMINI_API_KEY":            &cfg.GeminiAPIKey,
		"GEMINI_MODEL":              &cfg.GeminiModel,
		"ANALYSIS_TIMEOUT":          &cfg.AnalysisTimeout,
		"CHAT_TIMEOUT":              &cfg.ChatTimeout,
		"RENDERER_URL":              &cfg.RendererURL,
		"RETINALAB_EVENTS_BACKEND":  &cfg.EventsBackend,
		"AMQP_URL":                  &cfg.AMQPURL,
		"NOTIFY_URL":                &cfg.NotifyURL,
		"NOTIFY_API_KEY":            &cfg.NotifyAPIKey,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	// OpenRouter deployments export the key under its own name.
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.S3UsePathStyle = b
		}
	}
	if v := os.Getenv("MAX_IMAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxImageBytes = n
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	setDefault(&cfg.LogLevel, "info")
	setDefault(&cfg.StoreBackend, "postgres")
	setDefault(&cfg.SessionTTL, "168h")
	setDefault(&cfg.StorageBackend, "minio")
	setDefault(&cfg.PresignExpiry, "24h")
	setDefault(&cfg.S3Region, "us-east-1")
	setDefault(&cfg.LLMProvider, "openai")
	setDefault(&cfg.LLMBaseURL, "https://openrouter.ai/api/v1")
	setDefault(&cfg.LLMModel, "openai/gpt-5-mini")
	setDefault(&cfg.VisionModel, cfg.LLMModel)
	setDefault(&cfg.GeminiModel, "gemini-2.0-flash")
	setDefault(&cfg.AnalysisTimeout, "30s")
	setDefault(&cfg.ChatTimeout, "60s")
	setDefault(&cfg.RenderTimeout, "60s")
	setDefault(&cfg.EventsBackend, "none")
	setDefault(&cfg.EventsStream, "retinalab:study-events")
	setDefault(&cfg.AMQPExchange, "retinalab.events")
	setDefault(&cfg.AMQPQueue, "retinalab.notifier")
	setDefault(&cfg.LoginRateWindow, "1m")
	if cfg.MaxImageBytes == 0 {
		cfg.MaxImageBytes = 16 << 20
	}
	if cfg.LoginRateLimit == 0 {
		cfg.LoginRateLimit = 10
	}
	if cfg.AnalyzePerMinute == 0 {
		cfg.AnalyzePerMinute = 6
	}
	if cfg.ChatPerMinute == 0 {
		cfg.ChatPerMinute = 30
	}
	if cfg.NotifyConcurrency == 0 {
		cfg.NotifyConcurrency = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required when storeBackend=postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: storeBackend must be postgres or memory, got %q", cfg.StoreBackend)
	}
	if len(cfg.SessionSecret) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes (set in config.yaml or SESSION_SECRET)")
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required when storageBackend=minio")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("config: s3Bucket is required when storageBackend=s3")
		}
	case "file":
		if cfg.FileStorageDir == "" || cfg.PublicBaseURL == "" {
			return errors.New("config: fileStorageDir and publicBaseURL are required when storageBackend=file")
		}
	default:
		return fmt.Errorf("config: storageBackend must be minio, s3 or file, got %q", cfg.StorageBackend)
	}
	if cfg.MaxImageBytes < 0 {
		return errors.New("config: maxImageBytes must be > 0")
	}
	switch cfg.LLMProvider {
	case "openai":
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required when llmProvider=gemini (set in config.yaml or GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: llmProvider must be openai or gemini, got %q", cfg.LLMProvider)
	}
	if cfg.LLMMaxTokens < 0 {
		return errors.New("config: llmMaxTokens must be >= 0")
	}
	switch cfg.EventsBackend {
	case "none":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required when eventsBackend=redis")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required when eventsBackend=amqp (set in config.yaml or AMQP_URL)")
		}
	default:
		return fmt.Errorf("config: eventsBackend must be none, redis or amqp, got %q", cfg.EventsBackend)
	}
	for name, raw := range map[string]string{
		"sessionTTL":      cfg.SessionTTL,
		"presignExpiry":   cfg.PresignExpiry,
		"analysisTimeout": cfg.AnalysisTimeout,
		"chatTimeout":     cfg.ChatTimeout,
		"renderTimeout":   cfg.RenderTimeout,
		"loginRateWindow": cfg.LoginRateWindow,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be > 0", name)
		}
	}
	if cfg.LoginRateLimit < 0 || cfg.AnalyzePerMinute < 0 || cfg.ChatPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// Duration parses a duration field that validateConfig already accepted.
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

func setDefault(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
