// Package vlm calls an OpenAI-compatible chat-completions endpoint with
// base64-encoded media and parses the structured scene JSON out of the
// response.
package vlm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/hashicorp/go-retryablehttp"

	"vigil/internal/pipeline"
)

const (
	DefaultModel   = "qwen-vl-max-latest"
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

	DefaultMaxVideoSizeMB  = 100
	DefaultMaxBase64SizeMB = 10

	DefaultSystemPrompt = "You are a helpful assistant that analyzes videos and returns structured JSON responses."
	DefaultUserTemplate = "Analyze this footage and describe every person and vehicle you see."
)

// Config configures the VLM client.
type Config struct {
	APIKey          string
	Model           string
	BaseURL         string
	MaxVideoSizeMB  float64
	MaxBase64SizeMB float64
	SystemPrompt    string
	UserTemplate    string
}

// Client is the remote chat-completions caller.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []contentPart for the user turn
}

type contentPart struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	VideoURL *urlRef `json:"video_url,omitempty"`
	ImageURL *urlRef `json:"image_url,omitempty"`
}

type urlRef struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient validates the config and builds the HTTP client. A failed
// inference is recorded rather than retried, so the transport does not
// retry either.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vlm: API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxVideoSizeMB <= 0 {
		cfg.MaxVideoSizeMB = DefaultMaxVideoSizeMB
	}
	if cfg.MaxBase64SizeMB <= 0 {
		cfg.MaxBase64SizeMB = DefaultMaxBase64SizeMB
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.UserTemplate == "" {
		cfg.UserTemplate = DefaultUserTemplate
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil

	log.Printf("[VLM] Client ready (model: %s, base: %s)", cfg.Model, cfg.BaseURL)
	return &Client{cfg: cfg, httpClient: rc.StandardClient()}, nil
}

// Analyze encodes the artifact's media, performs the chat-completion call,
// and parses the response. Transport and HTTP failures return an error;
// malformed response payloads do not (see Parse).
func (c *Client) Analyze(ctx context.Context, artifact *pipeline.MediaArtifact, question string) (*pipeline.Analysis, error) {
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}

	sizeMB := float64(len(data)) / (1 << 20)
	if sizeMB > c.cfg.MaxVideoSizeMB {
		return nil, fmt.Errorf("media too large: %.2fMB > %.0fMB limit", sizeMB, c.cfg.MaxVideoSizeMB)
	}

	b64 := base64.StdEncoding.EncodeToString(data)
	b64MB := float64(len(b64)) / (1 << 20)
	if b64MB > c.cfg.MaxBase64SizeMB {
		return nil, fmt.Errorf("encoded media too large: %.2fMB > %.0fMB limit", b64MB, c.cfg.MaxBase64SizeMB)
	}

	var media contentPart
	if artifact.Kind == pipeline.ArtifactVideo {
		media = contentPart{Type: "video_url", VideoURL: &urlRef{URL: "data:video/mp4;base64," + b64}}
	} else {
		media = contentPart{Type: "image_url", ImageURL: &urlRef{URL: "data:image/jpeg;base64," + b64}}
	}

	prompt := c.cfg.UserTemplate
	if question != "" {
		prompt = fmt.Sprintf("%s\n\nThe user asks: %q. Answer it in the response field.", prompt, question)
	}

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: []contentPart{media, {Type: "text", Text: prompt}}},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vlm request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read vlm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vlm status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("decode vlm response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("vlm response has no choices")
	}

	raw := cr.Choices[0].Message.Content
	log.Printf("[VLM] Analysis for %s complete (%d chars)", artifact.ID, len(raw))
	return Parse(raw), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ensure Client implements the scheduler's Analyzer
var _ pipeline.Analyzer = (*Client)(nil)
