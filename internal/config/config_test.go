package config

import (
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", cfg.Backend.Model)
	}
	if cfg.Backend.Temperature != 0 {
		t.Errorf("Temperature = %v", cfg.Backend.Temperature)
	}
	if cfg.Experiment.TypeCode != "" {
		t.Errorf("TypeCode = %q", cfg.Experiment.TypeCode)
	}
	if cfg.Experiment.StreamTimeout != 90*time.Second {
		t.Errorf("StreamTimeout = %v", cfg.Experiment.StreamTimeout)
	}
	if cfg.Experiment.MaxTurns != 0 {
		t.Errorf("MaxTurns = %d", cfg.Experiment.MaxTurns)
	}
	if !cfg.Archive.Enabled || cfg.Archive.DBPath != "./data/experiment.db" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if cfg.Port != "8080" || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("Port = %q LogLevel = %v", cfg.Port, cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("OPENAI_MODEL", "llama3")
	t.Setenv("OPENAI_TEMPERATURE", "0.7")
	t.Setenv("TYPE_CODE", " 5 ")
	t.Setenv("DEBUG_TRANSCRIPT", "yes")
	t.Setenv("STREAM_TIMEOUT", "15s")
	t.Setenv("TRANSCRIPT_MAX_TURNS", "12")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.BaseURL != "http://localhost:11434/v1" || cfg.Backend.Model != "llama3" {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.Backend.Temperature != 0.7 {
		t.Errorf("Temperature = %v", cfg.Backend.Temperature)
	}
	if cfg.Experiment.TypeCode != "5" || !cfg.Experiment.DebugTranscript {
		t.Errorf("Experiment = %+v", cfg.Experiment)
	}
	if cfg.Experiment.StreamTimeout != 15*time.Second || cfg.Experiment.MaxTurns != 12 {
		t.Errorf("Experiment = %+v", cfg.Experiment)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing key", map[string]string{"OPENAI_API_KEY": ""}},
		{"relative base url", map[string]string{"OPENAI_BASE_URL": "api.example.com/v1"}},
		{"non-http base url", map[string]string{"OPENAI_BASE_URL": "ftp://example.com"}},
		{"negative temperature", map[string]string{"OPENAI_TEMPERATURE": "-0.1"}},
		{"temperature above one", map[string]string{"OPENAI_TEMPERATURE": "1.5"}},
		{"malformed temperature", map[string]string{"OPENAI_TEMPERATURE": "warm"}},
		{"NaN temperature", map[string]string{"OPENAI_TEMPERATURE": "NaN"}},
		{"infinite temperature", map[string]string{"OPENAI_TEMPERATURE": "+Inf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "sk-test")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Load error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestReadDefersValidation(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_TEMPERATURE", "1.5")

	cfg, err := Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Validate error = %v, want ErrConfiguration", err)
	}

	cfg.Backend.Temperature = 0.5
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate after override: %v", err)
	}
}

func TestBackendValidateRejectsNaN(t *testing.T) {
	t.Parallel()

	b := BackendConfig{APIKey: "sk-test", BaseURL: DefaultBaseURL, Model: "gpt-4o-mini", Temperature: math.NaN()}
	if err := b.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Validate error = %v, want ErrConfiguration", err)
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8080", true},
		{"https://experiment.example.org", false},
	}
	for _, tt := range tests {
		cfg := &Config{FrontendURL: tt.url}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
