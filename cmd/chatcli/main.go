// Terminal front end for the chatbot experiment. It drives a session in
// process against the same model backend the server uses.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MingMingbee/chatbot-experiment/internal/config"
	"github.com/MingMingbee/chatbot-experiment/internal/llm"
	"github.com/MingMingbee/chatbot-experiment/internal/script"
	"github.com/MingMingbee/chatbot-experiment/internal/session"
	"github.com/MingMingbee/chatbot-experiment/internal/store"
	"github.com/MingMingbee/chatbot-experiment/internal/transcript"
)

var (
	typeCode    string
	debug       bool
	modelName   string
	temperature float64
	baseURL     string
	logFile     string
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Chat with the experiment bot in the terminal",
	Long: `Runs one experiment session in the terminal.

The first message must be the intake line (name, gender, work style, tone),
for example "김수진, 2, 2, 1". Press ctrl+r to reset the session and ctrl+c
to quit.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&typeCode, "type", "t", "", "Condition code 1-8 (default: TYPE_CODE env)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Show hidden system entries")
	rootCmd.Flags().StringVar(&modelName, "model", "", "Model name (default: OPENAI_MODEL env)")
	rootCmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature in [0, 1]")
	rootCmd.Flags().StringVar(&baseURL, "base-url", "", "OpenAI-compatible base URL")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Write JSON logs to this file")
}

func run(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := config.Read()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(logFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	s, err := script.Load()
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         cfg.Backend.APIKey,
		BaseURL:        cfg.Backend.BaseURL,
		ConnectTimeout: cfg.Backend.ConnectTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	defer client.Close()

	var recorder session.TurnRecorder
	if cfg.Archive.Enabled {
		repo, err := store.NewSQLite(cfg.Archive.DBPath)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				logger.Error("Failed to close repository", "error", closeErr)
			}
		}()
		recorder = repo
	}

	ctrl := session.NewController("cli:"+uuid.NewString(), cfg.Experiment.TypeCode, session.Options{
		Script: s,
		Client: client,
		Settings: session.Settings{
			Model:         cfg.Backend.Model,
			Temperature:   cfg.Backend.Temperature,
			StreamTimeout: cfg.Experiment.StreamTimeout,
			Window:        transcript.Window{MaxTurns: cfg.Experiment.MaxTurns},
		},
		Recorder: recorder,
		Logger:   logger,
	})
	logger.Info("Session started", "session_key", ctrl.Key(), "type_code", cfg.Experiment.TypeCode)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := newModel(ctx, ctrl, s, modelConfig{
		TypeCode: cfg.Experiment.TypeCode,
		Debug:    cfg.Experiment.DebugTranscript,
	})
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run terminal ui: %w", err)
	}
	return nil
}

// applyFlags overrides environment configuration with explicitly set flags.
// It runs before validation, so a flag can replace an invalid env value.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("type") {
		cfg.Experiment.TypeCode = typeCode
	}
	if flags.Changed("debug") {
		cfg.Experiment.DebugTranscript = debug
	}
	if flags.Changed("model") {
		cfg.Backend.Model = modelName
	}
	if flags.Changed("temperature") {
		cfg.Backend.Temperature = temperature
	}
	if flags.Changed("base-url") {
		cfg.Backend.BaseURL = strings.TrimSpace(baseURL)
		if cfg.Backend.BaseURL == "" {
			cfg.Backend.BaseURL = config.DefaultBaseURL
		}
	}
}

// newLogger writes JSON logs to path, or discards them when path is empty.
// The terminal itself belongs to the UI.
func newLogger(path string, level slog.Level) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	return logger, func() { _ = f.Close() }, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
