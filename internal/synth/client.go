// Package synth provides the clients for the external speech synthesis
// backends that turn narration text into spoken audio.
//
// Two engines are available: an HTTP client for the standalone TTS service
// and a command engine that shells out to a local chatllm binary. Both bind
// the voice identity at construction and implement core.Synthesizer.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Default values.
const (
	defaultTemperature = 0.7
	defaultLanguage    = "en"
)

// Error message formats.
const (
	errFmtUnexpectedContentType = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode  = "synthesis service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus    = "synthesis service returned non-OK status: %s, body: %s"
)

// Static errors for synthesis requests.
var (
	// ErrEmptyText indicates a request without narration text.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrEmptyAudio indicates the backend produced no audio data.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// Options configures an HTTP synthesis client. Voice and style apply to
// every request the client makes.
type Options struct {
	// BaseURL includes protocol and port (e.g. "http://localhost:8000").
	BaseURL string
	// Voice names the speaker used for all narration audio.
	Voice string
	// StylePrompt optionally steers delivery (tone, pacing).
	StylePrompt string
	// Language is the target language code; defaults to "en".
	Language string
	// Temperature controls randomness; defaults to 0.7.
	Temperature float64
	// Timeout applies to every HTTP request made by the client.
	Timeout time.Duration
}

// Client is the HTTP client for the standalone synthesis service.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	voice       string
	stylePrompt string
	language    string
	temperature float64
}

// speechRequest is the JSON payload for a generation request.
type speechRequest struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	StylePrompt string  `json:"style_prompt,omitempty"`
	Language    string  `json:"language"`
	Temperature float64 `json:"temperature"`
}

// errorResponse is the structured error body the service returns on failure.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewClient creates and configures an HTTP synthesis client.
func NewClient(opts Options) *Client {
	if opts.Language == "" {
		opts.Language = defaultLanguage
	}

	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}

	return &Client{
		baseURL:     opts.BaseURL,
		voice:       opts.Voice,
		stylePrompt: opts.StylePrompt,
		language:    opts.Language,
		temperature: opts.Temperature,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

// Synthesize sends one generation request and returns the WAV audio bytes.
// The service contract requires an audio/wav response with a non-empty body;
// anything else is an error.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	requestBody, err := json.Marshal(speechRequest{
		Text:        text,
		Voice:       c.voice,
		StylePrompt: c.stylePrompt,
		Language:    c.language,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiGenerateSpeech,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to synthesis service at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf(errFmtUnexpectedContentType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the synthesis service is running. The check is
// lightweight and should run before serving traffic so an unreachable
// backend fails fast with clear diagnostics.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"health check failed for service at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error from the service,
// falling back to the raw body so diagnostics are never lost.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var serviceErr errorResponse

	err := json.NewDecoder(resp.Body).Decode(&serviceErr)
	if err == nil {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, serviceErr.Detail, serviceErr.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf(
		errFmtServiceNonOKStatus,
		resp.Status,
		string(body),
	)
}
