package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrRetryable marks failures that are transient network noise: the caller
// should resume listening rather than enter the error phase.
var ErrRetryable = errors.New("transcript: retryable")

// IsRetryable classifies a Transcribe error.
func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }

// Result is the service's answer for one utterance. Empty Text is a no-op,
// not an error: capture just resumes.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
}

type errorPayload struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client issues one transcription request per finalized utterance.
type Client struct {
	HTTPClient *http.Client
	URL        string
	APIKey     string
}

func NewClient(url, apiKey string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		URL:        url,
		APIKey:     apiKey,
	}
}

// Transcribe posts one encoded audio blob and returns trimmed text.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (Result, error) {
	if c.APIKey == "" {
		return Result{}, fmt.Errorf("transcript: api key missing")
	}
	if len(wav) == 0 {
		return Result{}, fmt.Errorf("transcript: empty audio segment")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return Result{}, err
	}
	if _, err := fw.Write(wav); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := serviceMessage(b)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Result{}, fmt.Errorf("%w: status=%d %s", ErrRetryable, resp.StatusCode, msg)
		}
		return Result{}, fmt.Errorf("transcript: status=%d %s", resp.StatusCode, msg)
	}

	var r Result
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Result{}, fmt.Errorf("transcript: decode response: %w", err)
	}
	r.Text = strings.TrimSpace(r.Text)
	return r, nil
}

func serviceMessage(b []byte) string {
	var p errorPayload
	if err := json.Unmarshal(b, &p); err == nil && p.Error.Message != "" {
		return p.Error.Message
	}
	return string(b)
}
