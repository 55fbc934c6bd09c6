// Package analyzer is a thin gateway to the local model endpoint. It
// submits a diagnostic snapshot plus an operator question and returns the
// model's free-form answer without interpreting it.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/licht8/pyWGgen-sub000/shared/models"
)

// ErrAnalyzerUnavailable means the endpoint could not be reached or did
// not answer in time. Every other controller operation keeps working.
var ErrAnalyzerUnavailable = errors.New("analyzer unavailable")

const healthTimeout = 5 * time.Second

// Client talks to an ollama-style generate endpoint.
type Client struct {
	baseURL string
	model   string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a client for the endpoint at baseURL.
func NewClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		timeout: timeout,
		http:    &http.Client{},
		logger:  logger,
	}
}

// Health checks the endpoint; it must answer within five seconds.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrAnalyzerUnavailable, resp.StatusCode)
	}
	return nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Ask submits the snapshot and question and returns the model's text.
// The caller's deadline, when earlier than the configured timeout, wins.
func (c *Client) Ask(ctx context.Context, snap *models.DiagnosticSnapshot, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt, err := buildPrompt(snap, question)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("encoding analyzer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrAnalyzerUnavailable, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrAnalyzerUnavailable, err)
	}
	c.logger.Debug("analyzer answered", "bytes", len(out.Response))
	return out.Response, nil
}

func buildPrompt(snap *models.DiagnosticSnapshot, question string) (string, error) {
	state, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	var b strings.Builder
	b.WriteString("You are assisting the administrator of a WireGuard VPN server.\n")
	b.WriteString("Current diagnostic snapshot (JSON):\n")
	b.Write(state)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer concisely.")
	return b.String(), nil
}
