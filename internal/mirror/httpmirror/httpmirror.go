// Package httpmirror talks to a mirror server over plain HTTP:
// PUT and GET on {base}/objects/{name}, where a 404 means "not mirrored".
package httpmirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/needy-build/needy-cache/internal/mirror"
	"github.com/needy-build/needy-cache/internal/version"
)

// StatusError 描述服务端返回的非预期状态码。
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
}

// Mirror 是镜像服务器的客户端。
type Mirror struct {
	name   string
	base   *url.URL
	client *http.Client
}

// New 以服务器基地址创建客户端；client 为空时使用 NewClient(0)。
func New(name, baseURL string, client *http.Client) (*Mirror, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse mirror url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("mirror url must be http or https: %q", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("mirror url missing host: %q", baseURL)
	}
	if client == nil {
		client = NewClient(0)
	}
	return &Mirror{name: name, base: parsed, client: client}, nil
}

func (m *Mirror) Name() string {
	return m.name
}

func (m *Mirror) String() string {
	return m.base.String()
}

func (m *Mirror) objectURL(key string) string {
	return m.base.JoinPath("objects", mirror.ObjectName(key)).String()
}

func (m *Mirror) Set(ctx context.Context, key, source string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	target := m.objectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return &StatusError{Method: http.MethodPut, URL: target, Status: resp.StatusCode}
	}
}

func (m *Mirror) Get(ctx context.Context, key, destination string) (bool, error) {
	target := m.objectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &StatusError{Method: http.MethodGet, URL: target, Status: resp.StatusCode}
	}

	if err := mirror.WriteFile(ctx, resp.Body, destination); err != nil {
		return false, err
	}
	return true, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}

// IsStatus 判断 err 是否为指定状态码的 StatusError。
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

var _ mirror.Mirror = (*Mirror)(nil)
