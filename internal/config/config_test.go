package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"RECLO_STORAGE_DIR", "RECLO_CHUNK_DURATION", "RECLO_BUFFER_MODE",
		"RECLO_STREAM_BUFFER_BYTES", "RECLO_CODEC_ID", "RECLO_SAMPLE_RATE",
		"RECLO_N_MAX", "RECLO_LINK_ADDR", "RECLO_HTTP_PORT", "RECLO_JWT_SECRET",
		"RECLO_CORS_ORIGINS", "RECLO_NOTIFY_GATEWAY_URL", "RECLO_LICENSE_KEY",
		"RECLO_LOG_LEVEL", "RECLO_LOG_FORMAT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.StorageDir != defaultStorageDir {
		t.Errorf("StorageDir = %q, want %q", cfg.StorageDir, defaultStorageDir)
	}
	if cfg.ChunkDurationSeconds != defaultChunkDurationSecs {
		t.Errorf("ChunkDurationSeconds = %d, want %d", cfg.ChunkDurationSeconds, defaultChunkDurationSecs)
	}
	if cfg.BufferMode != defaultBufferMode {
		t.Errorf("BufferMode = %q, want %q", cfg.BufferMode, defaultBufferMode)
	}
	if cfg.CodecID != defaultCodecID {
		t.Errorf("CodecID = %d, want %d", cfg.CodecID, defaultCodecID)
	}
	if cfg.SampleRate != defaultSampleRate {
		t.Errorf("SampleRate = %d, want %d", cfg.SampleRate, defaultSampleRate)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.EffectiveNMax() != 64 {
		t.Errorf("EffectiveNMax() = %d, want 64", cfg.EffectiveNMax())
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod"}
	t.Setenv("RECLO_HTTP_PORT", "9090")
	t.Setenv("RECLO_STORAGE_DIR", "/tmp/reclo-test")
	t.Setenv("RECLO_LOG_LEVEL", "debug")
	t.Setenv("RECLO_BUFFER_MODE", "accumulate")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.StorageDir != "/tmp/reclo-test" {
		t.Errorf("StorageDir = %q, want /tmp/reclo-test", cfg.StorageDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.BufferMode != "accumulate" {
		t.Errorf("BufferMode = %q, want accumulate", cfg.BufferMode)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("RECLO_HTTP_PORT", "9090")
	t.Setenv("RECLO_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod", "--http-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidChunkDuration(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod", "--chunk-duration", "20"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for chunk-duration not in {15,30}, got nil")
	}
}

func TestValidateInvalidBufferMode(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod", "--buffer-mode", "double"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid buffer-mode, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateNotifyRequiresLicense(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"reclod", "--notify-gateway-url", "http://localhost:9091"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when notify-gateway-url is set without a license-key")
	}
}

func TestJWTSecretBytesGeneratesWhenEmpty(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("expected generated secret to be cached on the config")
	}
}

func TestJWTSecretBytesRejectsWrongLength(t *testing.T) {
	cfg := &Config{JWTSecret: "aabbcc"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Fatal("expected error for short secret, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
