// Package config loads reclod's runtime configuration from flags and
// environment variables, with CLI values taking precedence over env vars
// and env vars over defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the reclod daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	StorageDir string // directory holding chunk files

	ChunkDurationSeconds int    // D: 15 or 30, per spec.md §3
	BufferMode           string // "streaming" or "accumulate"
	StreamBufferBytes    int    // B, 0 selects the mode's default
	CodecID              int    // codec_id tag written into chunk headers
	SampleRate           int    // always 16000 per spec.md §3
	NMax                 int    // validated only; transfer.NMax and retimestamp.NMax fix the batch cap at 64

	LinkAddr string // listen address for the reference TCP link transport

	HTTPPort      int
	JWTSecret     string // hex-encoded 32-byte secret for companion-app tokens
	CORSOrigins   string
	PairingSecret string // shared secret the companion app presents to pair; empty disables pairing

	NotifyGatewayURL string // base URL of cmd/reclo-notify, empty disables it
	LicenseKey       string // per-device key presented to the notify gateway
	DeviceID         string // identifier reported to the notify gateway
	PushToken        string // phone's FCM/APNs device token, set by the operator
	PushPlatform     string // "fcm" or "apns"

	LogLevel  string
	LogFormat string // "text" or "json"
}

const (
	defaultStorageDir        = "./data/chunks"
	defaultChunkDurationSecs = 30
	defaultBufferMode        = "streaming"
	defaultCodecID           = 21
	defaultSampleRate        = 16000
	defaultLinkAddr          = ":7243"
	defaultHTTPPort          = 8090
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// envPrefix is the prefix for all reclod environment variables.
const envPrefix = "RECLO_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("reclod", flag.ContinueOnError)

	fs.StringVar(&cfg.StorageDir, "storage-dir", defaultStorageDir, "directory holding chunk files")
	fs.IntVar(&cfg.ChunkDurationSeconds, "chunk-duration", defaultChunkDurationSecs, "chunk rotation period in seconds (15 or 30)")
	fs.StringVar(&cfg.BufferMode, "buffer-mode", defaultBufferMode, "recorder staging buffer mode (streaming, accumulate)")
	fs.IntVar(&cfg.StreamBufferBytes, "stream-buffer-bytes", 0, "staging buffer size in bytes (0 selects the mode's default)")
	fs.IntVar(&cfg.CodecID, "codec-id", defaultCodecID, "codec identifier written into chunk headers")
	fs.IntVar(&cfg.SampleRate, "sample-rate", defaultSampleRate, "audio sample rate in Hz")
	fs.IntVar(&cfg.NMax, "n-max", 0, "per-batch enumeration cap; not read by the uploader or retimestamper, which always use 64")
	fs.StringVar(&cfg.LinkAddr, "link-addr", defaultLinkAddr, "listen address for the reference TCP link transport")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "diagnostics API listen port")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for companion-app tokens (auto-generated if empty)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.PairingSecret, "pairing-secret", "", "shared secret the companion app presents to pair; empty disables pairing")
	fs.StringVar(&cfg.NotifyGatewayURL, "notify-gateway-url", "", "base URL of the sync-reminder notify gateway; empty disables it")
	fs.StringVar(&cfg.LicenseKey, "license-key", "", "per-device key presented to the notify gateway")
	fs.StringVar(&cfg.DeviceID, "device-id", "", "identifier reported to the notify gateway")
	fs.StringVar(&cfg.PushToken, "push-token", "", "phone's FCM/APNs device token for sync reminders")
	fs.StringVar(&cfg.PushPlatform, "push-platform", "", "push platform for the notify gateway (fcm, apns)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"storage-dir":         envPrefix + "STORAGE_DIR",
		"chunk-duration":      envPrefix + "CHUNK_DURATION",
		"buffer-mode":         envPrefix + "BUFFER_MODE",
		"stream-buffer-bytes": envPrefix + "STREAM_BUFFER_BYTES",
		"codec-id":            envPrefix + "CODEC_ID",
		"sample-rate":         envPrefix + "SAMPLE_RATE",
		"n-max":               envPrefix + "N_MAX",
		"link-addr":           envPrefix + "LINK_ADDR",
		"http-port":           envPrefix + "HTTP_PORT",
		"jwt-secret":          envPrefix + "JWT_SECRET",
		"cors-origins":        envPrefix + "CORS_ORIGINS",
		"pairing-secret":      envPrefix + "PAIRING_SECRET",
		"notify-gateway-url":  envPrefix + "NOTIFY_GATEWAY_URL",
		"license-key":         envPrefix + "LICENSE_KEY",
		"device-id":           envPrefix + "DEVICE_ID",
		"push-token":          envPrefix + "PUSH_TOKEN",
		"push-platform":       envPrefix + "PUSH_PLATFORM",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "storage-dir":
			cfg.StorageDir = val
		case "chunk-duration":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ChunkDurationSeconds = v
			}
		case "buffer-mode":
			cfg.BufferMode = val
		case "stream-buffer-bytes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.StreamBufferBytes = v
			}
		case "codec-id":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CodecID = v
			}
		case "sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SampleRate = v
			}
		case "n-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.NMax = v
			}
		case "link-addr":
			cfg.LinkAddr = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "pairing-secret":
			cfg.PairingSecret = val
		case "notify-gateway-url":
			cfg.NotifyGatewayURL = val
		case "license-key":
			cfg.LicenseKey = val
		case "device-id":
			cfg.DeviceID = val
		case "push-token":
			cfg.PushToken = val
		case "push-platform":
			cfg.PushPlatform = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ChunkDurationSeconds != 15 && c.ChunkDurationSeconds != 30 {
		return fmt.Errorf("chunk-duration must be 15 or 30, got %d", c.ChunkDurationSeconds)
	}
	switch c.BufferMode {
	case "streaming", "accumulate":
	default:
		return fmt.Errorf("buffer-mode must be one of streaming, accumulate; got %q", c.BufferMode)
	}
	if c.CodecID < 0 || c.CodecID > 255 {
		return fmt.Errorf("codec-id must be between 0 and 255, got %d", c.CodecID)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.NotifyGatewayURL != "" && c.LicenseKey == "" {
		return fmt.Errorf("notify-gateway-url requires a license-key")
	}

	return nil
}

// EffectiveNMax returns NMax, defaulting to 64 (spec.md §5) when unset.
func (c *Config) EffectiveNMax() int {
	if c.NMax <= 0 {
		return 64
	}
	return c.NMax
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret, generating
// and caching a random one for the process lifetime if none is configured.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler in the configured format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
