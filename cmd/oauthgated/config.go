package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	oauth "github.com/sequentops/integration-oauth"
	"github.com/sequentops/integration-oauth/security"
)

// serveConfig is the daemon configuration, assembled from the environment.
// A .env file in the working directory is loaded first when present, so local
// development does not need exported variables.
type serveConfig struct {
	ListenAddr     string
	MetricsAddr    string
	MetricsEnabled bool

	LogLevel  string
	LogFormat string // "json" or "text"

	// ProvidersFile is a JSON file with the provider configurations to load
	// at startup. Client secrets in the file are encrypted before storage.
	ProvidersFile string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	Engine *oauth.Config
}

func loadServeConfig() (*serveConfig, error) {
	_ = godotenv.Load()

	engine := &oauth.Config{
		Environment:              security.Environment(envStr("ENVIRONMENT", "production")),
		BaseURL:                  os.Getenv("BASE_URL"),
		CallbackPath:             os.Getenv("CALLBACK_PATH"),
		SuccessPagePath:          os.Getenv("SUCCESS_PAGE_PATH"),
		ErrorPagePath:            os.Getenv("ERROR_PAGE_PATH"),
		PostMessageOrigin:        os.Getenv("POST_MESSAGE_ORIGIN"),
		ProductionRedirectHosts:  envList("REDIRECT_HOSTS"),
		DevelopmentRedirectHosts: envList("DEV_REDIRECT_HOSTS"),
		StateSigningKey:          []byte(os.Getenv("STATE_SIGNING_KEY")),
		AllowPlainPKCE:           envBool("ALLOW_PLAIN_PKCE", false),
		APIKeyHashes:             envList("API_KEY_HASHES"),
	}
	engine.RateLimit.RequestsPerSecond = envInt("RATE_LIMIT_RPS", 0)
	engine.RateLimit.Burst = envInt("RATE_LIMIT_BURST", 0)
	engine.RateLimit.TrustProxy = envBool("TRUST_PROXY", false)
	engine.RateLimit.TrustedProxyCount = envInt("TRUSTED_PROXY_COUNT", 1)

	if raw := os.Getenv("TOKEN_ENCRYPTION_KEY"); raw != "" {
		key, err := security.EncryptionKeyFromBase64(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
		}
		engine.EncryptionKey = key
	}

	cfg := &serveConfig{
		ListenAddr:     envStr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envStr("METRICS_ADDR", ":9090"),
		MetricsEnabled: envBool("METRICS_ENABLED", true),
		LogLevel:       envStr("LOG_LEVEL", "info"),
		LogFormat:      envStr("LOG_FORMAT", "json"),
		ProvidersFile:  os.Getenv("PROVIDERS_FILE"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envInt("REDIS_DB", 0),
		RedisKeyPrefix: envStr("REDIS_KEY_PREFIX", "oauthgated:"),
		Engine:         engine,
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
