// Package media 外部媒体相关的边界：来源解析、存储 key 归一化、帧截取
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// Source is what a resolver returns for a user input.
type Source struct {
	URL        string  `json:"url"`
	StorageKey string  `json:"storageKey,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content,omitempty"`
}

type Resolver interface {
	Resolve(ctx context.Context, input string) (*Source, error)
}

var ErrNoURL = errors.New("no url found in input")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'，。！？]+`)

// FirstURL extracts the first http(s) URL from share text.
func FirstURL(text string) string {
	return strings.TrimRight(urlPattern.FindString(text), ".,;:!?)")
}

// StorageKey 从分享文本中取第一个 URL，归一化为 host+path：
// 小写 host，去掉 www./m. 前缀，去掉 query/fragment 与末尾斜杠
func StorageKey(text string) (string, error) {
	raw := FirstURL(text)
	if raw == "" {
		return "", ErrNoURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	if host == "" {
		return "", ErrNoURL
	}
	p := strings.TrimRight(u.EscapedPath(), "/")
	return host + p, nil
}

// DirectResolver 处理直接可播放的媒体地址与本地文件名，不做平台抓取
type DirectResolver struct{}

var mediaExt = map[string]bool{".mp4": true, ".mov": true, ".webm": true, ".m3u8": true, ".mkv": true}

func (DirectResolver) Resolve(_ context.Context, input string) (*Source, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("empty input")
	}
	raw := FirstURL(input)
	if raw == "" {
		// 本地文件名
		return &Source{URL: input, Title: strings.TrimSuffix(path.Base(input), path.Ext(input))}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if !mediaExt[strings.ToLower(path.Ext(u.Path))] {
		return nil, fmt.Errorf("unsupported link %s: only direct media urls can be resolved", u.Host)
	}
	key, err := StorageKey(raw)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(urlPattern.ReplaceAllString(input, ""))
	if title == "" {
		title = strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	}
	return &Source{URL: raw, StorageKey: key, Title: title, Content: input}, nil
}

// FrameRequest asks for the frame at Timestamp, tagged with ID.
type FrameRequest struct {
	ID        string
	Timestamp float64
}

type Frame struct {
	ID        string
	Timestamp float64
	Data      string
}

// Capturer grabs a single frame from a playable media handle.
type Capturer interface {
	CaptureFrame(ctx context.Context, mediaURL string, timestamp float64) (string, error)
}

// CaptureResult 单帧失败会被跳过，记录在 Failed 中
type CaptureResult struct {
	Frames []Frame
	Failed map[string]error
}

// CaptureWithTimeout captures each requested frame with its own timeout. Per-frame
// failures are skipped; it errors only when nothing could be captured.
func CaptureWithTimeout(ctx context.Context, c Capturer, mediaURL string, reqs []FrameRequest, perFrame time.Duration) (*CaptureResult, error) {
	res := &CaptureResult{Failed: map[string]error{}}
	var lastErr error
	for _, r := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(ctx, perFrame)
		data, err := captureOne(fctx, c, mediaURL, r.Timestamp)
		cancel()
		if err != nil {
			res.Failed[r.ID] = err
			lastErr = err
			continue
		}
		res.Frames = append(res.Frames, Frame{ID: r.ID, Timestamp: r.Timestamp, Data: data})
	}
	if len(reqs) > 0 && len(res.Frames) == 0 {
		return nil, fmt.Errorf("capture failed for all %d frames: %w", len(reqs), lastErr)
	}
	return res, nil
}

// captureOne 不信任 Capturer 自己遵守 ctx，超时即返回
func captureOne(ctx context.Context, c Capturer, mediaURL string, ts float64) (string, error) {
	type out struct {
		data string
		err  error
	}
	ch := make(chan out, 1)
	go func() {
		d, err := c.CaptureFrame(ctx, mediaURL, ts)
		ch <- out{d, err}
	}()
	select {
	case o := <-ch:
		return o.data, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("frame at %.2fs: %w", ts, ctx.Err())
	}
}
