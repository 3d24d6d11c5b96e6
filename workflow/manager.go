package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"StoryToComic-server/config"
	"StoryToComic-server/logger"
	"StoryToComic-server/media"
	"StoryToComic-server/models"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// CreateInput describes a new project source.
type CreateInput struct {
	SourceType models.SourceType `json:"sourceType"`
	// Input is the share text / link for web sources or the file name for local ones.
	Input    string   `json:"input"`
	VideoURL string   `json:"videoUrl"`
	Title    string   `json:"title"`
	Images   []string `json:"images"`
}

// Manager 管理已打开的会话，同一项目只有一个会话
type Manager struct {
	deps     Deps
	resolver media.Resolver
	mu       sync.Mutex
	sessions map[string]*Session
	opening  singleflight.Group
	log      *slog.Logger
}

func NewManager(deps Deps, resolver media.Resolver) *Manager {
	if resolver == nil {
		resolver = media.DirectResolver{}
	}
	return &Manager{deps: deps, resolver: resolver, sessions: map[string]*Session{}, log: logger.WithComponent("workflow.manager")}
}

func (m *Manager) Store() *models.ProjectStore { return m.deps.Store }

// Preferences returns the preferences new sessions start from.
func (m *Manager) Preferences() config.Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps.Prefs
}

// SetPreferences replaces the preferences used by sessions opened from now on.
func (m *Manager) SetPreferences(p config.Preferences) {
	m.mu.Lock()
	m.deps.Prefs = p
	m.mu.Unlock()
}

// List returns every stored project, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]*models.Project, error) {
	return m.deps.Store.ListAll(ctx)
}

// Get returns the open session for id, restoring it on first use. Restores of
// different projects run concurrently; concurrent callers for one id share a restore.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	v, err, _ := m.opening.Do(id, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return s, nil
		}
		deps := m.deps
		m.mu.Unlock()
		s, err := Open(context.WithoutCancel(ctx), deps, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.sessions[id]; ok {
			return cur, nil
		}
		m.sessions[id] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// WebProjectID derives the project id of a web source from its storage key.
func WebProjectID(storageKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(storageKey)).String()
}

// Create 根据来源创建项目。网页来源按 storage key 查找，已存在时直接打开原项目继续。
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Session, error) {
	l := logger.WithOperation(m.log, "create")
	p := models.NewProject("")
	p.SourceType = in.SourceType
	p.OriginalSource = strings.TrimSpace(in.Input)
	p.VideoURL = strings.TrimSpace(in.VideoURL)
	p.Title = strings.TrimSpace(in.Title)
	prefs := m.Preferences()
	p.AvatarImage = prefs.AvatarImage
	p.WatermarkText = prefs.WatermarkText
	if prefs.AspectRatio != "" {
		p.AspectRatio = prefs.AspectRatio
	}

	switch in.SourceType {
	case models.SourceWeb:
		src, err := m.resolver.Resolve(ctx, in.Input)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve source: %v", ErrInvalid, err)
		}
		p.VideoURL = src.URL
		if p.Title == "" {
			p.Title = src.Title
		}
		p.StorageKey = src.StorageKey
		if p.StorageKey != "" {
			existing, err := m.deps.Store.FindByStorageKey(ctx, p.StorageKey)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				l.Info("source already has a project, resuming", slog.String("project", existing.ID), slog.String("key", p.StorageKey))
				s, err := m.Get(ctx, existing.ID)
				if err != nil {
					return nil, err
				}
				// 分享链接的播放地址可能已过期，使用最新解析结果
				if existing.VideoURL != src.URL {
					if err := s.SetVideoURL(src.URL); err != nil {
						return nil, err
					}
				}
				return s, nil
			}
			// 同一来源总是得到同一个 id，id 中不含路径分隔符
			p.ID = WebProjectID(p.StorageKey)
		}
	case models.SourceLocal:
		if p.OriginalSource == "" {
			return nil, fmt.Errorf("%w: a file name is required", ErrInvalid)
		}
	case models.SourceImages:
		if len(in.Images) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, ErrNoFrames)
		}
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", ErrInvalid, in.SourceType)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := m.deps.Store.Save(ctx, p); err != nil {
		return nil, err
	}

	s, err := m.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if in.SourceType == models.SourceImages {
		frames := make([]models.SourceFrame, len(in.Images))
		for i, img := range in.Images {
			frames[i] = models.SourceFrame{Data: img}
		}
		if err := s.SetFrames(frames); err != nil {
			return nil, err
		}
		s.autosave.Flush(ctx)
	}
	l.Info("project created", slog.String("project", p.ID), slog.String("source", string(p.SourceType)))
	return s, nil
}

// Delete drops the session without flushing and deletes the record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.Discard()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return m.deps.Store.Delete(ctx, id)
}

// CloseAll flushes every open session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close(ctx)
	}
}

// IsNotFound reports whether err means the project does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
