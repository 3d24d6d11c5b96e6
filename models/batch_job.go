package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 批处理任务状态
const (
	// pending: 已创建，等待执行器取走
	BatchJobPending    = "pending"
	BatchJobProcessing = "processing"
	BatchJobSucceeded  = "succeeded"
	BatchJobFailed     = "failed"
)

// BatchJob 模拟批处理的一次提交：一条记录覆盖多个面板生成请求
type BatchJob struct {
	ID         string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID  string          `gorm:"type:varchar(191);index" json:"projectId,omitempty"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Status     string          `gorm:"type:varchar(16)" json:"status"`
	ItemCount  int             `json:"itemCount"`
	Payload    datatypes.JSON  `json:"-"`
	Results    BatchJobResults `gorm:"type:json" json:"results"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (BatchJob) TableName() string {
	return "batch_job"
}

// BatchJobResult 单个条目的结果，Index 为请求中携带的面板序号
type BatchJobResult struct {
	Index  int      `json:"index"`
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type BatchJobResults []BatchJobResult

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (r BatchJobResults) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (r *BatchJobResults) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, r)
}

func (j *BatchJob) Terminal() bool {
	return j.Status == BatchJobSucceeded || j.Status == BatchJobFailed
}

// ErrJobNotFound 任务记录不存在
var ErrJobNotFound = errors.New("batch job not found")

type BatchJobStore struct {
	db *gorm.DB
}

func NewBatchJobStore(db *gorm.DB) *BatchJobStore {
	return &BatchJobStore{db: db}
}

func (s *BatchJobStore) Create(ctx context.Context, job *BatchJob) error {
	if job.Status == "" {
		job.Status = BatchJobPending
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create batch job: %w", err)
	}
	return nil
}

// Get 按 ID 获取任务；不存在时返回 ErrJobNotFound
func (s *BatchJobStore) Get(ctx context.Context, id string) (*BatchJob, error) {
	var job BatchJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return &job, nil
}

// ListUnfinished 返回尚未结束（pending/processing）的任务，按创建时间排序
func (s *BatchJobStore) ListUnfinished(ctx context.Context) ([]BatchJob, error) {
	var jobs []BatchJob
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{BatchJobPending, BatchJobProcessing}).
		Order("created_at").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list unfinished batch jobs: %w", err)
	}
	return jobs, nil
}

func (s *BatchJobStore) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now()
	return s.updates(ctx, id, map[string]interface{}{
		"status":     BatchJobProcessing,
		"started_at": &now,
	})
}

func (s *BatchJobStore) Complete(ctx context.Context, id string, results BatchJobResults) error {
	now := time.Now()
	return s.updates(ctx, id, map[string]interface{}{
		"status":      BatchJobSucceeded,
		"results":     results,
		"finished_at": &now,
	})
}

func (s *BatchJobStore) Fail(ctx context.Context, id string, msg string) error {
	now := time.Now()
	return s.updates(ctx, id, map[string]interface{}{
		"status":      BatchJobFailed,
		"error":       msg,
		"finished_at": &now,
	})
}

func (s *BatchJobStore) updates(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&BatchJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update batch job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}
