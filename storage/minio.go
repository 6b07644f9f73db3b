package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"CoWatch/config"
	"CoWatch/logger"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// AvatarPrefix 头像对象在存储桶中的目录
	AvatarPrefix = "avatars/"
	// MaxAvatarSize 头像文件大小上限
	MaxAvatarSize = 2 << 20
)

var (
	ErrUnsupportedImage = errors.New("unsupported avatar image type")
	ErrAvatarNotFound   = errors.New("avatar not found")
)

// 允许的头像类型及扩展名
var avatarTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// AvatarExt 返回内容类型对应的扩展名，不支持的类型返回 false
func AvatarExt(contentType string) (string, bool) {
	ext, ok := avatarTypes[strings.ToLower(strings.TrimSpace(contentType))]
	return ext, ok
}

// IsAvatarObject 对象名是否位于头像目录下且不含路径穿越
func IsAvatarObject(name string) bool {
	rest := strings.TrimPrefix(name, AvatarPrefix)
	return rest != name && rest != "" && !strings.Contains(rest, "/") && !strings.Contains(rest, "..")
}

// NewMinioClient 按配置创建 MinIO 客户端
func NewMinioClient(cfg *config.Config) (*minio.Client, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}
	return client, nil
}

// AvatarStore 基于 MinIO 的头像存储
type AvatarStore struct {
	client *minio.Client
	bucket string
}

// NewAvatarStore 创建头像存储，存储桶不存在时自动创建
func NewAvatarStore(ctx context.Context, client *minio.Client, bucket, region string) (*AvatarStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", bucket))
	}

	return &AvatarStore{client: client, bucket: bucket}, nil
}

// PutAvatar 上传头像，返回对象名（即头像引用）
func (s *AvatarStore) PutAvatar(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	ext, ok := AvatarExt(contentType)
	if !ok {
		return "", ErrUnsupportedImage
	}

	objectName := AvatarPrefix + uuid.NewString() + ext
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("上传头像失败: %w", err)
	}

	logger.Debug("头像已上传", logger.String("object", objectName), logger.Int64("size", size))
	return objectName, nil
}

// GetAvatar 读取头像，返回内容和内容类型，调用方负责关闭
func (s *AvatarStore) GetAvatar(ctx context.Context, objectName string) (io.ReadCloser, string, error) {
	if !IsAvatarObject(objectName) {
		return nil, "", ErrAvatarNotFound
	}

	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("读取头像失败: %w", err)
	}

	// GetObject 是惰性的，Stat 才会真正请求
	info, err := object.Stat()
	if err != nil {
		object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", ErrAvatarNotFound
		}
		return nil, "", fmt.Errorf("读取头像失败: %w", err)
	}
	return object, info.ContentType, nil
}

// AvatarStats 头像目录统计
type AvatarStats struct {
	Objects      int64
	TotalSize    int64
	LastModified time.Time
}

// Stats 统计头像目录下的对象数量与总大小
func (s *AvatarStore) Stats(ctx context.Context) (*AvatarStats, error) {
	stats := &AvatarStats{}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    AvatarPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("列出头像失败: %w", obj.Err)
		}
		stats.Objects++
		stats.TotalSize += obj.Size
		if obj.LastModified.After(stats.LastModified) {
			stats.LastModified = obj.LastModified
		}
	}
	return stats, nil
}
