package config

import (
	"os"
	"strconv"
	"time"

	"llmrelay/internal/core"
	"llmrelay/internal/upstream"
	"llmrelay/internal/util"
)

// ServerConfig server configuration
type ServerConfig struct {
	Host               string
	Port               string
	GinMode            string
	ClientAPIKeys      []string
	MappingFilePath    string
	Upstream           upstream.Settings
	RateLimit          int
	HTTPClientSettings HTTPClientSettings
	Storage            core.StorageInterface
	Logger             core.Logger
}

// HTTPClientSettings HTTP client configuration
type HTTPClientSettings struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	RequestTimeout      time.Duration
}

// DefaultHTTPClientSettings default HTTP client settings
func DefaultHTTPClientSettings() HTTPClientSettings {
	return HTTPClientSettings{
		MaxIdleConns:        core.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: core.HTTPMaxIdleConnsPerHost,
		MaxConnsPerHost:     core.HTTPMaxConnsPerHost,
		IdleConnTimeout:     core.HTTPIdleConnTimeout,
		TLSHandshakeTimeout: core.HTTPTLSHandshakeTimeout,
		RequestTimeout:      core.HTTPRequestTimeout,
	}
}

// LoadServerConfigFromEnv loads server config from environment variables
func LoadServerConfigFromEnv(logger core.Logger) (ServerConfig, error) {
	clientAPIKeys := util.ParseEnvList(os.Getenv("PROXY_API_KEYS"))
	if len(clientAPIKeys) == 0 {
		logger.Info("PROXY_API_KEYS not set, inbound requests are not authenticated by the proxy")
	} else {
		logger.Info("Loaded %d client API keys", len(clientAPIKeys))
	}

	httpSettings := DefaultHTTPClientSettings()
	if envTimeout := os.Getenv("UPSTREAM_TIMEOUT"); envTimeout != "" {
		seconds, err := strconv.Atoi(envTimeout)
		if err != nil || seconds <= 0 {
			logger.Warn("Invalid UPSTREAM_TIMEOUT value '%s', keeping default", envTimeout)
		} else {
			httpSettings.RequestTimeout = time.Duration(seconds) * time.Second
		}
	}

	rateLimit := core.DefaultRateLimit
	if envRate := os.Getenv("RATE_LIMIT"); envRate != "" {
		parsed, err := strconv.Atoi(envRate)
		if err != nil || parsed <= 0 {
			logger.Warn("Invalid RATE_LIMIT value '%s', using default %d", envRate, core.DefaultRateLimit)
		} else {
			rateLimit = parsed
		}
	}

	upstreamKey := os.Getenv("UPSTREAM_API_KEY")
	if upstreamKey != "" {
		logger.Info("Upstream API key configured (%s)", util.RedactCredential(upstreamKey))
	}

	config := ServerConfig{
		Host:            util.GetEnvWithDefault("HOST", core.DefaultHost),
		Port:            util.GetEnvWithDefault("PORT", core.DefaultPort),
		GinMode:         util.GetEnvWithDefault("GIN_MODE", core.DefaultGinMode),
		ClientAPIKeys:   clientAPIKeys,
		MappingFilePath: util.GetEnvWithDefault("MAP_FILE", core.DefaultMappingFilePath),
		Upstream: upstream.Settings{
			BaseURL:   util.GetEnvWithDefault("UPSTREAM_BASE_URL", core.DefaultUpstreamBaseURL),
			Kind:      util.GetEnvWithDefault("UPSTREAM_KIND", core.UpstreamKindOpenAI),
			AuthStyle: os.Getenv("UPSTREAM_AUTH_STYLE"),
			APIKey:    upstreamKey,
		},
		RateLimit:          rateLimit,
		HTTPClientSettings: httpSettings,
	}

	return config, nil
}

// FlagOverrides holds CLI flag values that take precedence over the
// environment when non-empty.
type FlagOverrides struct {
	Host        string
	Port        string
	MappingFile string
	UpstreamURL string
}

// Apply overlays non-empty flag values onto the config.
func (f FlagOverrides) Apply(cfg *ServerConfig) {
	if f.Host != "" {
		cfg.Host = f.Host
	}
	if f.Port != "" {
		cfg.Port = f.Port
	}
	if f.MappingFile != "" {
		cfg.MappingFilePath = f.MappingFile
	}
	if f.UpstreamURL != "" {
		cfg.Upstream.BaseURL = f.UpstreamURL
	}
}
