package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	// Redis
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool

	// Supabase
	SupabaseURL        string
	SupabaseServiceKey string

	// Postgres DSN (LISTEN/NOTIFY change feed)
	DatabaseURL string

	// Store backend: "supabase" | "memory"
	StoreBackend string

	// Gemini
	GeminiModel string
	WebPQuality float32

	// Server
	Port string

	// Queue / dispatch
	JobQueueKey       string
	MaintenanceKey    string
	RotationStateKey  string
	RotationStatePath string
	KeylessProviders  []string
	WorkflowDir       string

	RetryInterval      time.Duration
	MaxWorkflowRetries int
	GenerationTimeout  time.Duration
	SweepInterval      time.Duration
	MaxRotations       int

	// Notifications
	NtfyServer      string
	NtfyTopicPrefix string
}

var globalConfig *Config

// LoadConfig - 환경변수 로드
func LoadConfig() (*Config, error) {
	// .env 파일 로드 (있으면)
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	globalConfig = &Config{
		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getEnvBool("REDIS_USE_TLS", true),

		// Supabase
		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		StoreBackend:       getEnv("STORE_BACKEND", "supabase"),

		// Gemini
		GeminiModel: getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		WebPQuality: float32(getEnvInt("WEBP_QUALITY", 90)),

		// Server
		Port: getEnv("PORT", "8080"),

		// Queue / dispatch
		JobQueueKey:        getEnv("JOB_QUEUE_KEY", "jobs:queue"),
		MaintenanceKey:     getEnv("MAINTENANCE_KEY", "dispatch:maintenance"),
		RotationStateKey:   getEnv("ROTATION_STATE_KEY", "dispatch:rotation"),
		RotationStatePath:  getEnv("ROTATION_STATE_PATH", ""),
		KeylessProviders:   splitList(getEnv("KEYLESS_PROVIDERS", "vision-xeven")),
		WorkflowDir:        getEnv("WORKFLOW_DIR", ""),
		RetryInterval:      time.Duration(getEnvInt("RETRY_INTERVAL_SECONDS", 300)) * time.Second,
		MaxWorkflowRetries: getEnvInt("MAX_WORKFLOW_RETRIES", 5),
		GenerationTimeout:  time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 600)) * time.Second,
		SweepInterval:      time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 120)) * time.Second,
		MaxRotations:       getEnvInt("MAX_ROTATIONS", 10),

		// Notifications
		NtfyServer:      getEnv("NTFY_SERVER", ""),
		NtfyTopicPrefix: getEnv("NTFY_TOPIC_PREFIX", "gen-dispatch"),
	}

	// 필수 환경변수 검증
	if err := globalConfig.validate(); err != nil {
		return nil, err
	}

	log.Println("✅ Configuration loaded successfully")
	log.Printf("   Redis: %s:%s (TLS: %v)", globalConfig.RedisHost, globalConfig.RedisPort, globalConfig.RedisUseTLS)
	log.Printf("   Store: %s (%s)", globalConfig.StoreBackend, globalConfig.SupabaseURL)
	log.Printf("   Gemini: %s", globalConfig.GeminiModel)
	log.Printf("   Retry: every %s, max %d", globalConfig.RetryInterval, globalConfig.MaxWorkflowRetries)
	log.Printf("   Keyless providers: %v", globalConfig.KeylessProviders)

	return globalConfig, nil
}

// GetConfig - 로드된 설정 가져오기
func GetConfig() *Config {
	if globalConfig == nil {
		log.Fatal("❌ Config not loaded. Call LoadConfig() first.")
	}
	return globalConfig
}

// validate - 필수 환경변수 검증
func (c *Config) validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	switch c.StoreBackend {
	case "supabase":
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required")
		}
		if c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_SERVICE_KEY is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxWorkflowRetries <= 0 {
		return fmt.Errorf("MAX_WORKFLOW_RETRIES must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// getEnv - 환경변수 가져오기 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("⚠️  %s=%q is not a number, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetRedisAddr - Redis 연결 문자열 생성
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
