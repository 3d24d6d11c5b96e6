// Package provider 对接多模态 AI 后端：同步单次生成 + 批处理提交/轮询，
// 两种批处理实现（模拟批处理 / 真异步文件批处理）对上层暴露同一接口。
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"StoryToComic-server/models"
)

type Kind string

const (
	KindSimulated Kind = "simulated"
	KindAsync     Kind = "async"
)

// Part is one piece of a message: text or an inline image (data URL or raw base64).
type Part struct {
	Text      string `json:"text,omitempty"`
	ImageData string `json:"image_data,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextPart and ImagePart are small constructors used when building prompts.
func TextPart(s string) Part { return Part{Text: s} }

func ImagePart(data string) Part {
	mime, raw := SplitDataURL(data)
	return Part{ImageData: raw, MIMEType: mime}
}

// UserMessage builds a single user turn.
func UserMessage(parts ...Part) []Message {
	return []Message{{Role: "user", Parts: parts}}
}

type GenerateConfig struct {
	ResponseMIMEType   string   `json:"response_mime_type,omitempty"`
	ResponseModalities []string `json:"response_modalities,omitempty"`
	AspectRatio        string   `json:"aspect_ratio,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
}

// GenerateResult images are data URLs.
type GenerateResult struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

type BatchRequest struct {
	Index    int       `json:"index"`
	Messages []Message `json:"messages"`
}

type BatchState string

const (
	BatchRunning   BatchState = "running"
	BatchSucceeded BatchState = "succeeded"
	BatchFailed    BatchState = "failed"
)

// BatchItemResult Index 为请求携带的面板序号；无法识别时为 -1
type BatchItemResult struct {
	Index  int      `json:"index"`
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type BatchStatus struct {
	State   BatchState        `json:"state"`
	Results []BatchItemResult `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Generator is the synchronous single-shot call.
type Generator interface {
	GenerateContent(ctx context.Context, model string, messages []Message, cfg GenerateConfig) (*GenerateResult, error)
}

type Provider interface {
	Generator
	Kind() Kind
	GenerateContentBatch(ctx context.Context, model string, requests []BatchRequest, cfg GenerateConfig) (string, error)
	GetBatchStatus(ctx context.Context, jobID string) (*BatchStatus, error)
}

// ErrUnknownJob is returned by GetBatchStatus for ids the backend does not know.
var ErrUnknownJob = errors.New("unknown batch job")

// Options 构造 Provider 所需的依赖；按 Kind 选择实现
type Options struct {
	Kind        Kind
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Concurrency int

	// simulated
	Jobs       *models.BatchJobStore
	Dispatcher Dispatcher

	// async
	Objects ObjectStore
}

// New selects the backend by configuration.
func New(opts Options) (Provider, error) {
	client := NewClient(opts.BaseURL, opts.APIKey, opts.Timeout)
	switch Kind(strings.ToLower(string(opts.Kind))) {
	case KindSimulated, "":
		if opts.Jobs == nil {
			return nil, errors.New("simulated provider requires a batch job store")
		}
		return NewSimulated(client, opts.Jobs, opts.Dispatcher, opts.Concurrency), nil
	case KindAsync:
		if opts.Objects == nil {
			return nil, errors.New("async provider requires an object store")
		}
		return NewAsync(client, opts.Objects), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", opts.Kind)
	}
}

// SplitDataURL returns the mime type and raw base64 payload of a data URL. Inputs that
// are not data URLs are returned as-is with image/png.
func SplitDataURL(s string) (mime, data string) {
	if !strings.HasPrefix(s, "data:") {
		return "image/png", s
	}
	head, body, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "image/png", s
	}
	mime = strings.TrimSuffix(head, ";base64")
	if mime == "" {
		mime = "image/png"
	}
	return mime, body
}

// DataURL is the inverse of SplitDataURL.
func DataURL(mime, data string) string {
	if strings.HasPrefix(data, "data:") {
		return data
	}
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + data
}
