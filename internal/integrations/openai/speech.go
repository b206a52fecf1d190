package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

type transcriptionResponse struct {
	Text string `json:"text"`
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Recognize transcribes recorded WAV audio. The API returns a single
// transcript, so at most one candidate comes back; silence yields none.
func (c *Client) Recognize(ctx context.Context, audio []byte) ([]string, error) {
	if len(audio) == 0 {
		return nil, nil
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, &ServiceError{Op: "recognize", Err: err}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", c.transcriptionModel); err != nil {
		return nil, &ServiceError{Op: "recognize", Err: err}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, &ServiceError{Op: "recognize", Err: err}
	}
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, &ServiceError{Op: "recognize", Err: err}
	}
	if _, err := part.Write(audio); err != nil {
		return nil, &ServiceError{Op: "recognize", Err: err}
	}
	if err := mw.Close(); err != nil {
		return nil, &ServiceError{Op: "recognize", Err: err}
	}

	url := endpointURL(c.baseURL, "/audio/transcriptions")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, &ServiceError{Op: "recognize", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doRequest(req, url, 1<<20)
	if err != nil {
		return nil, &ServiceError{Op: "recognize", Err: fmt.Errorf("request failed: %w", err)}
	}
	var payload transcriptionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ServiceError{Op: "recognize", Err: fmt.Errorf("decode response: %w", err)}
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return nil, nil
	}
	return []string{text}, nil
}

// Synthesize renders text as MP3 audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ServiceError{Op: "synthesize", Err: errors.New("text must not be empty")}
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, &ServiceError{Op: "synthesize", Err: err}
	}

	body, err := json.Marshal(speechRequest{
		Model:          c.speechModel,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, &ServiceError{Op: "synthesize", Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := endpointURL(c.baseURL, "/audio/speech")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ServiceError{Op: "synthesize", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	audio, err := c.doRequest(req, url, 25<<20)
	if err != nil {
		return nil, &ServiceError{Op: "synthesize", Err: fmt.Errorf("request failed: %w", err)}
	}
	if len(audio) == 0 {
		return nil, &ServiceError{Op: "synthesize", Err: errors.New("empty audio in response")}
	}
	return audio, nil
}
