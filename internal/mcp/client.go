// Package mcp is the thin HTTP client for the external camera-control
// inference service.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"vigil/internal/pipeline"
)

const DefaultTimeout = 30 * time.Second

// Client posts media paths to the control service's /analyze endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type analyzeRequest struct {
	ImagePath    string `json:"image_path"`
	UserQuestion string `json:"user_question"`
}

// NewClient creates a bridge client for the given service URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 1
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	return &Client{baseURL: baseURL, httpClient: rc.StandardClient()}
}

// Analyze forwards the media path and question to the control service.
// Connection and HTTP errors come back as an MCPResult with Success=false
// and a diagnostic Result; they never fail the parent inference.
func (c *Client) Analyze(ctx context.Context, mediaPath, question string) *pipeline.MCPResult {
	body, err := json.Marshal(analyzeRequest{ImagePath: mediaPath, UserQuestion: question})
	if err != nil {
		return failure(fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[MCP] Control bridge unreachable: %v", err)
		return failure(fmt.Sprintf("control bridge unreachable: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failure(fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return failure(fmt.Sprintf("control bridge status %d", resp.StatusCode))
	}

	var result pipeline.MCPResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return failure(fmt.Sprintf("decode response: %v", err))
	}

	if result.ToolName != "" {
		log.Printf("[MCP] Executed %s (success: %v)", result.ToolName, result.Success)
	}
	return &result
}

func failure(diag string) *pipeline.MCPResult {
	return &pipeline.MCPResult{Success: false, Result: diag}
}

// Ensure Client implements the scheduler's ControlBridge
var _ pipeline.ControlBridge = (*Client)(nil)
