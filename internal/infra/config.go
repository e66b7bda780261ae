package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	DBMaxConns         int
	JWTSecret          string
	GeoIPDBPath        string
	CORSAllowedOrigins []string
	HTTPReadTimeout    time.Duration
	// HTTPWriteTimeout defaults to zero because event streams stay open.
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int

	MediaAPIKey          string
	MediaBaseURL         string
	MediaModelStillMain  string
	MediaModelStillNiche string
	MediaModelVideo      string
	MediaModelReference  string
	MediaCallTimeout     time.Duration
	MediaPollInterval    time.Duration
	MediaDeadline        time.Duration
	MediaCancelOnTimeout bool

	PromptProvider string
	PromptTimeout  time.Duration
	GeminiAPIKey   string
	GeminiModel    string
	GeminiBaseURL  string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string
	OpenAIOrg      string

	StorageDriver    string
	StoragePath      string
	StorageBaseURL   string
	S3Bucket         string
	S3Prefix         string
	S3PublicBaseURL  string
	KafkaBrokers     []string
	KafkaTopic       string
	SSEKeepalive     time.Duration
	CreditGraceDays  int
	ChatterInterval  time.Duration
	FeatureVideo     bool
	FeatureReference bool
	ReaperStaleAfter time.Duration
	ReaperInterval   time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBMaxConns:         getEnvInt("DB_MAX_CONNS", 10),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		MediaAPIKey:          os.Getenv("MEDIA_API_KEY"),
		MediaBaseURL:         getEnv("MEDIA_BASE_URL", "https://api.replicate.com/v1"),
		MediaModelStillMain:  getEnv("MEDIA_MODEL_STILL_MAIN", "black-forest-labs/flux-schnell"),
		MediaModelStillNiche: getEnv("MEDIA_MODEL_STILL_NICHE", "black-forest-labs/flux-1.1-pro"),
		MediaModelVideo:      getEnv("MEDIA_MODEL_VIDEO", "minimax/video-01"),
		MediaModelReference:  getEnv("MEDIA_MODEL_REFERENCE", "minimax/video-01-live"),
		MediaCallTimeout:     time.Second * time.Duration(getEnvInt("MEDIA_CALL_TIMEOUT_SECONDS", 20)),
		MediaPollInterval:    time.Millisecond * time.Duration(getEnvInt("MEDIA_POLL_INTERVAL_MS", 2000)),
		MediaDeadline:        time.Second * time.Duration(getEnvInt("MEDIA_DEADLINE_SECONDS", 600)),
		MediaCancelOnTimeout: getEnvBool("MEDIA_CANCEL_ON_TIMEOUT", true),

		PromptProvider: strings.ToLower(getEnv("PROMPT_PROVIDER", "openai")),
		PromptTimeout:  time.Second * time.Duration(getEnvInt("PROMPT_TIMEOUT_SECONDS", 30)),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiBaseURL:  getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:      os.Getenv("OPENAI_ORG"),

		StorageDriver:    strings.ToLower(getEnv("STORAGE_DRIVER", "file")),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:   getEnv("STORAGE_BASE_URL", fmt.Sprintf("http://localhost:%s/static", port)),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3Prefix:         getEnv("S3_PREFIX", "generations"),
		S3PublicBaseURL:  os.Getenv("S3_PUBLIC_BASE_URL"),
		KafkaBrokers:     getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "generation-events"),
		SSEKeepalive:     time.Second * time.Duration(getEnvInt("SSE_KEEPALIVE_SECONDS", 15)),
		CreditGraceDays:  getEnvInt("CREDIT_GRACE_DAYS", 365),
		ChatterInterval:  time.Second * time.Duration(getEnvInt("CHATTER_INTERVAL_SECONDS", 6)),
		FeatureVideo:     getEnvBool("FEATURE_VIDEO", true),
		FeatureReference: getEnvBool("FEATURE_REFERENCE_TRACK", true),
		ReaperStaleAfter: time.Minute * time.Duration(getEnvInt("REAPER_STALE_MINUTES", 30)),
		ReaperInterval:   time.Second * time.Duration(getEnvInt("REAPER_INTERVAL_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.StorageDriver == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER=s3")
	}
	if cfg.MediaDeadline < cfg.MediaCallTimeout {
		return nil, fmt.Errorf("MEDIA_DEADLINE_SECONDS must not be shorter than MEDIA_CALL_TIMEOUT_SECONDS")
	}
	// progress lines leave updated_at alone while a job prompts and generates
	if cfg.ReaperStaleAfter <= cfg.MediaDeadline+cfg.PromptTimeout {
		return nil, fmt.Errorf("REAPER_STALE_MINUTES (%s) must exceed MEDIA_DEADLINE_SECONDS plus PROMPT_TIMEOUT_SECONDS (%s)",
			cfg.ReaperStaleAfter, cfg.MediaDeadline+cfg.PromptTimeout)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
