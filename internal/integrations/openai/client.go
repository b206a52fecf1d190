package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"memorease/internal/domain"
)

const (
	defaultBaseURL            = "https://api.openai.com/v1"
	defaultChatModel          = "gpt-4o-mini"
	defaultTranscriptionModel = "whisper-1"
	defaultSpeechModel        = "tts-1"
	defaultVoice              = "alloy"
)

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ServiceError is returned for every failed call: transport errors, non-2xx
// statuses, undecodable bodies and empty results.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("openai: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Client talks to an OpenAI-compatible API for chat completions,
// transcription and speech synthesis.
type Client struct {
	baseURL            string
	httpClient         *http.Client
	getter             Getter
	paramPrefix        string
	chatModel          string
	transcriptionModel string
	speechModel        string
	voice              string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey uses key instead of reading the token from SSM.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key = strings.TrimSpace(key); key != "" {
			c.apiKey = key
			c.keyOnce.Do(func() {})
		}
	}
}

func WithChatModel(model string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.chatModel = model
		}
	}
}

func WithTranscriptionModel(model string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.transcriptionModel = model
		}
	}
}

func WithSpeechModel(model, voice string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.speechModel = model
		}
		if voice = strings.TrimSpace(voice); voice != "" {
			c.voice = voice
		}
	}
}

// NewClient creates a Client that reads its bearer token from
// <paramPrefix>/open-ai-token on first use, unless WithAPIKey is given.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:            defaultBaseURL,
		httpClient:         &http.Client{Timeout: 30 * time.Second},
		getter:             ps,
		paramPrefix:        strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		chatModel:          defaultChatModel,
		transcriptionModel: defaultTranscriptionModel,
		speechModel:        defaultSpeechModel,
		voice:              defaultVoice,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		if ps == nil {
			return nil, errors.New("openai: paramstore getter must not be nil without an api key")
		}
		if c.paramPrefix == "" {
			return nil, errors.New("openai: parameter prefix must not be empty")
		}
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM on the first call and returns the
// cached result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

// Complete sends the instruction, the user's text and the logged context to
// the chat completions endpoint and returns the first choice.
func (c *Client) Complete(ctx context.Context, in domain.CompletionRequest) (string, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", &ServiceError{Op: "complete", Err: err}
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.chatModel,
		Messages: buildMessages(in),
	})
	if err != nil {
		return "", &ServiceError{Op: "complete", Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := endpointURL(c.baseURL, "/chat/completions")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", &ServiceError{Op: "complete", Err: fmt.Errorf("create request: %w", reqErr)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doRequest(req, url, 1<<20)
	if err != nil {
		return "", &ServiceError{Op: "complete", Err: fmt.Errorf("request failed: %w", err)}
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", &ServiceError{Op: "complete", Err: fmt.Errorf("decode response: %w", decErr)}
	}
	if len(payload.Choices) == 0 {
		return "", &ServiceError{Op: "complete", Err: errors.New("no choices in response")}
	}
	return payload.Choices[0].Message.Content, nil
}

func buildMessages(in domain.CompletionRequest) []domain.ChatMessage {
	var user strings.Builder
	user.WriteString("Here is the user input: \"")
	user.WriteString(in.UserText)
	user.WriteString("\"\n\nHere is the logged information:\n")
	if in.Context == "" {
		user.WriteString("(nothing logged yet)")
	} else {
		user.WriteString(in.Context)
	}

	var msgs []domain.ChatMessage
	if strings.TrimSpace(in.Instruction) != "" {
		msgs = append(msgs, domain.ChatMessage{Role: "system", Content: in.Instruction})
	}
	return append(msgs, domain.ChatMessage{Role: "user", Content: user.String()})
}

func (c *Client) doRequest(req *http.Request, url string, limit int64) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
