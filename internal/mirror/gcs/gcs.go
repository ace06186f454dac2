// Package gcs mirrors cache objects into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/needy-build/needy-cache/internal/mirror"
)

// Mirror 把对象写入 bucket 下的 prefix 目录。
type Mirror struct {
	name   string
	bucket string
	prefix string
	client *storage.Client
}

// NewClient 创建 storage 客户端，opts 原样传给 storage.NewClient
// （例如 option.WithCredentialsFile 或测试时的 option.WithEndpoint）。
func NewClient(ctx context.Context, opts ...option.ClientOption) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// New 基于已有客户端创建镜像。
func New(name, bucket, prefix string, client *storage.Client) (*Mirror, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs bucket required")
	}
	if client == nil {
		return nil, errors.New("gcs client required")
	}
	return &Mirror{
		name:   name,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
	}, nil
}

func (m *Mirror) Name() string {
	return m.name
}

func (m *Mirror) String() string {
	return "gs://" + path.Join(m.bucket, m.prefix)
}

// ObjectPath 返回 key 在 bucket 内的对象路径。
func (m *Mirror) ObjectPath(key string) string {
	if m.prefix == "" {
		return mirror.ObjectName(key)
	}
	return m.prefix + "/" + mirror.ObjectName(key)
}

func (m *Mirror) object(key string) *storage.ObjectHandle {
	return m.client.Bucket(m.bucket).Object(m.ObjectPath(key))
}

func (m *Mirror) Set(ctx context.Context, key, source string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	w := m.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", m.ObjectPath(key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", m.ObjectPath(key), err)
	}
	return nil
}

func (m *Mirror) Get(ctx context.Context, key, destination string) (bool, error) {
	r, err := m.object(key).NewReader(ctx)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("download %s: %w", m.ObjectPath(key), err)
	}
	defer r.Close()

	if err := mirror.WriteFile(ctx, r, destination); err != nil {
		return false, fmt.Errorf("download %s: %w", m.ObjectPath(key), err)
	}
	return true, nil
}

// Close 关闭底层客户端。
func (m *Mirror) Close() error {
	return m.client.Close()
}

// IsNotFound 判断错误是否表示对象或 bucket 不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist)
}

var _ mirror.Mirror = (*Mirror)(nil)
