package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"StoryToComic-server/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore 批处理请求文件等对象的存储
type MinIOStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	log    *slog.Logger
}

// NewMinIOStore 初始化连接，在 serve 启动时调用
func NewMinIOStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	s := &MinIOStore{client: client, bucket: bucket, expiry: 72 * time.Hour, log: logger.WithComponent("minio")}
	s.log.Info("MinIO 连接成功", slog.String("endpoint", endpoint), slog.String("bucket", bucket))
	return s, nil
}

// Put 从 io.Reader 上传，返回预签名 URL
//   - key: 云端存储路径，例如 "batches/<id>/requests.jsonl"
//   - size: 文件大小（字节），-1 表示未知大小
func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = contentTypeFor(key)
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}

	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}

	s.log.Info("文件已上传", slog.String("key", key))
	return presignedURL.String(), nil
}

// ensureBucket 确保 Bucket 存在
func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建 Bucket 失败: %w", err)
	}
	s.log.Info("Bucket 已创建", slog.String("bucket", s.bucket))
	return nil
}

// contentTypeFor 根据文件扩展名确定 ContentType
func contentTypeFor(key string) string {
	switch filepath.Ext(key) {
	case ".jsonl":
		return "application/jsonl"
	case ".json":
		return "application/json"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
