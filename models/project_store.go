package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"StoryToComic-server/logger"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProjectRecord 项目表：整份 Project 以 JSON 存在 data 列，少量列用于列表排序
type ProjectRecord struct {
	ID          string         `gorm:"primaryKey;type:varchar(191)"`
	SourceType  string         `gorm:"type:varchar(16)"`
	StorageKey  string         `gorm:"type:varchar(768);index"`
	Title       string         `gorm:"type:varchar(255)"`
	LastUpdated time.Time      `gorm:"index"`
	Data        datatypes.JSON `gorm:"not null"`
}

func (ProjectRecord) TableName() string {
	return "project"
}

// ProjectStore 项目持久化：同一 id 的读-改-写串行执行，不同 id 互不阻塞
type ProjectStore struct {
	db    *gorm.DB
	locks *keyedMutex
	now   func() time.Time
	log   *slog.Logger
}

func NewProjectStore(db *gorm.DB) *ProjectStore {
	return &ProjectStore{
		db:    db,
		locks: newKeyedMutex(),
		now:   time.Now,
		log:   logger.WithComponent("project_store"),
	}
}

// WithClock replaces the time source used for lastUpdated stamps.
func (s *ProjectStore) WithClock(now func() time.Time) *ProjectStore {
	s.now = now
	return s
}

// Save 全量写入（upsert），并刷新 p.LastUpdated
func (s *ProjectStore) Save(ctx context.Context, p *Project) error {
	if p == nil || p.ID == "" {
		return errors.New("project id is required")
	}
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	prev, err := s.load(ctx, p.ID)
	if err != nil {
		return err
	}
	var prevStamp time.Time
	if prev != nil {
		prevStamp = prev.LastUpdated
	}
	p.Normalize()
	p.LastUpdated = s.stamp(prevStamp)
	return s.write(ctx, p)
}

// Update 合并部分字段；记录不存在时以默认值创建后再合并，不会因缺少记录而失败
func (s *ProjectStore) Update(ctx context.Context, id string, patch ProjectPatch) (*Project, error) {
	return s.Mutate(ctx, id, patch.Apply)
}

// Mutate runs fn on the current record under the per-id write lock and persists the
// result. A missing record starts from NewProject defaults.
func (s *ProjectStore) Mutate(ctx context.Context, id string, fn func(*Project)) (*Project, error) {
	if id == "" {
		return nil, errors.New("project id is required")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		s.log.Debug("update on missing project, creating", slog.String("project", id))
		p = NewProject(id)
	}
	fn(p)
	p.ID = id
	p.Normalize()
	p.LastUpdated = s.stamp(p.LastUpdated)
	if err := s.write(ctx, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Get returns the project or (nil, nil) when it does not exist.
func (s *ProjectStore) Get(ctx context.Context, id string) (*Project, error) {
	return s.load(ctx, id)
}

// FindByStorageKey returns the project created for a web source, or (nil, nil).
func (s *ProjectStore) FindByStorageKey(ctx context.Context, key string) (*Project, error) {
	if key == "" {
		return nil, nil
	}
	var rows []ProjectRecord
	if err := s.db.WithContext(ctx).Where("storage_key = ?", key).Order("last_updated desc").Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find project by storage key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeRecord(&rows[0])
}

// ListAll returns every project, most recently updated first.
func (s *ProjectStore) ListAll(ctx context.Context) ([]*Project, error) {
	var rows []ProjectRecord
	if err := s.db.WithContext(ctx).Order("last_updated desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]*Project, 0, len(rows))
	for i := range rows {
		p, err := decodeRecord(&rows[i])
		if err != nil {
			s.log.Warn("skip unreadable project", slog.String("project", rows[i].ID), slog.Any("err", err))
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

func (s *ProjectStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.db.WithContext(ctx).Delete(&ProjectRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (s *ProjectStore) load(ctx context.Context, id string) (*Project, error) {
	var rows []ProjectRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeRecord(&rows[0])
}

func (s *ProjectStore) write(ctx context.Context, p *Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	rec := ProjectRecord{
		ID:          p.ID,
		SourceType:  string(p.SourceType),
		StorageKey:  p.StorageKey,
		Title:       p.Title,
		LastUpdated: p.LastUpdated,
		Data:        datatypes.JSON(data),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

// stamp 保证 lastUpdated 单调递增，即使时钟精度不足
func (s *ProjectStore) stamp(prev time.Time) time.Time {
	now := s.now().UTC().Round(0)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func decodeRecord(rec *ProjectRecord) (*Project, error) {
	var p Project
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", rec.ID, err)
	}
	p.ID = rec.ID
	p.Normalize()
	return &p, nil
}

// keyedMutex 按 key 加锁，最后一个持有者释放时回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
