package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"StoryToComic-server/logger"

	"github.com/google/uuid"
)

// ObjectStore uploads a request file and returns a URL the AI backend can fetch.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// Async 真异步批处理：请求写成 JSONL 上传到对象存储，再以文件地址创建远端批任务
type Async struct {
	client  *Client
	objects ObjectStore
	log     *slog.Logger
}

func NewAsync(client *Client, objects ObjectStore) *Async {
	return &Async{client: client, objects: objects, log: logger.WithComponent("provider.async")}
}

func (a *Async) Kind() Kind { return KindAsync }

func (a *Async) GenerateContent(ctx context.Context, model string, messages []Message, cfg GenerateConfig) (*GenerateResult, error) {
	return a.client.GenerateContent(ctx, model, messages, cfg)
}

type batchLine struct {
	Key     string          `json:"key"`
	Request generateRequest `json:"request"`
}

type createBatchRequest struct {
	Model        string `json:"model"`
	InputFileURL string `json:"input_file_url"`
	DisplayName  string `json:"display_name"`
}

type remoteBatch struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	State            string         `json:"state"`
	Status           string         `json:"status"`
	Error            string         `json:"error"`
	InlinedResponses []responseLine `json:"inlined_responses"`
	ResponsesFileURL string         `json:"responses_file_url"`
}

type responseLine struct {
	Key      string      `json:"key"`
	Response *wireResult `json:"response"`
	Error    string      `json:"error"`
}

// PanelKey is the per-line key carrying the panel index through the batch backend.
func PanelKey(index int) string { return "panel-" + strconv.Itoa(index) }

// ParsePanelKey returns -1 when key does not carry an index.
func ParsePanelKey(key string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(key, "panel-"))
	if err != nil || !strings.HasPrefix(key, "panel-") || n < 0 {
		return -1
	}
	return n
}

func (a *Async) GenerateContentBatch(ctx context.Context, model string, requests []BatchRequest, cfg GenerateConfig) (string, error) {
	if len(requests) == 0 {
		return "", errors.New("empty batch")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range requests {
		if err := enc.Encode(batchLine{Key: PanelKey(r.Index), Request: generateRequest{Model: model, Messages: r.Messages, Config: cfg}}); err != nil {
			return "", fmt.Errorf("encode batch line: %w", err)
		}
	}

	name := "batch-" + uuid.NewString()
	objectKey := fmt.Sprintf("batches/%s/requests.jsonl", name)
	size := int64(buf.Len())
	fileURL, err := a.objects.Put(ctx, objectKey, &buf, size, "application/jsonl")
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	var created remoteBatch
	if err := a.client.doJSON(ctx, http.MethodPost, "/v1/batches", createBatchRequest{Model: model, InputFileURL: fileURL, DisplayName: name}, &created); err != nil {
		return "", err
	}
	id := created.ID
	if id == "" {
		id = created.Name
	}
	if id == "" {
		return "", errors.New("batch created without id")
	}
	a.log.Info("batch job created", slog.String("job", id), slog.Int("items", len(requests)))
	return id, nil
}

func (a *Async) GetBatchStatus(ctx context.Context, jobID string) (*BatchStatus, error) {
	var rb remoteBatch
	if err := a.client.doJSON(ctx, http.MethodGet, "/v1/batches/"+jobID, nil, &rb); err != nil {
		if strings.Contains(err.Error(), "status: 404") {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return nil, err
	}
	state := rb.State
	if state == "" {
		state = rb.Status
	}
	switch mapRemoteState(state) {
	case BatchFailed:
		msg := rb.Error
		if msg == "" {
			msg = "batch job " + strings.ToLower(state)
		}
		return &BatchStatus{State: BatchFailed, Error: msg}, nil
	case BatchRunning:
		return &BatchStatus{State: BatchRunning}, nil
	}

	lines := rb.InlinedResponses
	if len(lines) == 0 && rb.ResponsesFileURL != "" {
		var err error
		lines, err = a.fetchResponses(ctx, rb.ResponsesFileURL)
		if err != nil {
			return nil, err
		}
	}
	st := &BatchStatus{State: BatchSucceeded}
	for _, ln := range lines {
		item := BatchItemResult{Index: ParsePanelKey(ln.Key), Error: ln.Error}
		if ln.Response != nil {
			res := ln.Response.toResult()
			item.Text = res.Text
			item.Images = res.Images
			if item.Error == "" {
				item.Error = ln.Response.Error
			}
		}
		st.Results = append(st.Results, item)
	}
	return st, nil
}

// mapRemoteState 兼容多种状态写法
func mapRemoteState(s string) BatchState {
	u := strings.ToUpper(s)
	switch {
	case strings.Contains(u, "SUCCEEDED"), u == "SUCCESS", u == "COMPLETED", u == "FINISHED", u == "DONE":
		return BatchSucceeded
	case strings.Contains(u, "FAILED"), strings.Contains(u, "CANCELLED"), strings.Contains(u, "EXPIRED"), u == "ERROR":
		return BatchFailed
	default:
		return BatchRunning
	}
}

func (a *Async) fetchResponses(ctx context.Context, url string) ([]responseLine, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if a.client.APIKey != "" && strings.HasPrefix(url, a.client.BaseURL) {
		req.Header.Set("Authorization", "Bearer "+a.client.APIKey)
	}
	resp, err := a.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download responses failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download responses status: %d", resp.StatusCode)
	}

	var out []responseLine
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rl responseLine
		if err := json.Unmarshal(line, &rl); err != nil {
			a.log.Warn("skip malformed response line", slog.Any("err", err))
			continue
		}
		out = append(out, rl)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read responses: %w", err)
	}
	return out, nil
}
