package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "https://api.openai.com/v1"

var errMissingAPIKey = errors.New("api key is required")

// OpenAIConfig configures an OpenAI-compatible streaming client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// ConnectTimeout bounds dialing and waiting for response headers. The
	// body is bounded by the caller's context.
	ConnectTimeout time.Duration
	// HTTPClient overrides the client built from ConnectTimeout.
	HTTPClient *http.Client
}

// OpenAIClient streams from any OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewOpenAIClient creates a client. An empty BaseURL selects DefaultBaseURL.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = connectTimeout
		httpClient = &http.Client{Transport: transport}
	}

	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// Close releases idle backend connections.
func (c *OpenAIClient) Close() {
	c.http.CloseIdleConnections()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Temperature is always serialized; zero is a meaningful value here.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements StreamClient.
func (c *OpenAIClient) Stream(ctx context.Context, messages []domain.Message, model string, temperature float64) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reqBody := chatRequest{
			Model:       model,
			Messages:    make([]chatMessage, len(messages)),
			Temperature: temperature,
			Stream:      true,
		}
		for i, m := range messages {
			reqBody.Messages[i] = chatMessage{Role: string(m.Role), Content: m.Content}
		}

		payload, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("marshal chat request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			yield("", fmt.Errorf("%w: build request: %w", ErrBackendUnavailable, err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		start := time.Now()
		c.logger.Debug("chat stream request", "model", model, "messages", len(messages), "temperature", temperature)

		resp, err := c.http.Do(req)
		if err != nil {
			yield("", fmt.Errorf("%w: %w", ErrBackendUnavailable, err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close chat stream body", "error", closeErr)
			}
		}()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield("", fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body))))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				c.logger.Debug("chat stream completed", "duration", time.Since(start))
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("%w: malformed chunk: %w", ErrStreamFailure, err))
				return
			}
			if chunk.Error != nil {
				yield("", fmt.Errorf("%w: backend error: %s", ErrStreamFailure, chunk.Error.Message))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			yield("", fmt.Errorf("%w: %w", ErrStreamFailure, err))
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			yield("", fmt.Errorf("%w: %w", ErrStreamFailure, ctxErr))
			return
		}
		yield("", fmt.Errorf("%w: stream ended without completion signal", ErrStreamFailure))
	}
}

// Ensure OpenAIClient implements StreamClient.
var _ StreamClient = (*OpenAIClient)(nil)
