package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"StoryToComic-server/logger"
)

// Client 同步生成接口：POST {base}/v1/generate
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
		log:     logger.WithComponent("provider"),
	}
}

type wireImage struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type wireResult struct {
	Text   string      `json:"text"`
	Images []wireImage `json:"images"`
	Error  string      `json:"error,omitempty"`
}

func (r wireResult) toResult() *GenerateResult {
	out := &GenerateResult{Text: r.Text}
	for _, img := range r.Images {
		if img.Data == "" {
			continue
		}
		out.Images = append(out.Images, DataURL(img.MIMEType, img.Data))
	}
	return out
}

type generateRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Config   GenerateConfig `json:"config"`
}

func (c *Client) GenerateContent(ctx context.Context, model string, messages []Message, cfg GenerateConfig) (*GenerateResult, error) {
	var out wireResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/generate", generateRequest{Model: model, Messages: messages, Config: cfg}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("generate: %s", out.Error)
	}
	return out.toResult(), nil
}

// doJSON 发送 JSON 请求并解析响应；非 2xx 视为错误
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = c.BaseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("provider call", slog.String("method", method), slog.String("path", path),
		slog.Int("status", resp.StatusCode), slog.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request %s status: %d, body: %s", path, resp.StatusCode, truncate(string(data), 500))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w, body: %s", err, truncate(string(data), 500))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
