package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/needy-build/needy-cache/internal/config"
	"github.com/needy-build/needy-cache/internal/mirror"
	"github.com/needy-build/needy-cache/internal/mirror/gcs"
	"github.com/needy-build/needy-cache/internal/mirror/httpmirror"
	"github.com/needy-build/needy-cache/internal/mirror/localdir"
)

// buildMirrors 按配置顺序创建镜像；返回的 close 函数释放 GCS 客户端等资源。
func buildMirrors(ctx context.Context, cfgs []config.MirrorConfig, logger *logrus.Logger) ([]mirror.Mirror, func(), error) {
	var (
		mirrors []mirror.Mirror
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, mc := range cfgs {
		m, closer, err := buildMirror(ctx, mc, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("mirror %s: %w", mc.Name, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		mirrors = append(mirrors, m)
		logger.WithFields(logrus.Fields{
			"action":   "mirror_init",
			"mirror":   mc.Name,
			"type":     mc.Type,
			"location": mc.Description(),
		}).Debug("mirror_ready")
	}
	return mirrors, closeAll, nil
}

func buildMirror(ctx context.Context, mc config.MirrorConfig, logger *logrus.Logger) (mirror.Mirror, func(), error) {
	switch mc.Type {
	case config.MirrorTypeHTTP:
		m, err := httpmirror.New(mc.Name, mc.URL, httpmirror.NewClient(mc.Timeout.DurationValue()))
		return m, nil, err
	case config.MirrorTypeGCS:
		var opts []option.ClientOption
		if mc.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(mc.CredentialsFile))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		m, err := gcs.New(mc.Name, mc.Bucket, mc.Prefix, client)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	case config.MirrorTypeDirectory:
		m, err := localdir.New(mc.Name, mc.Path, localdir.WithLogger(logger))
		return m, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported mirror type %q", mc.Type)
	}
}
