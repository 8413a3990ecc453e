package main

import (
	"context"
	"fmt"

	"github.com/p-arndt/sandpress/internal/config"
	"github.com/p-arndt/sandpress/internal/docker"
	"github.com/p-arndt/sandpress/internal/e2b"
	"github.com/p-arndt/sandpress/internal/lifecycle"
)

// backend is what every command needs from a lifecycle implementation.
type backend interface {
	lifecycle.Client
	lifecycle.Killer
}

// openBackend builds the configured lifecycle client. Workload files are
// only read when withFiles is set.
func openBackend(ctx context.Context, c *config.Config, runID string, withFiles bool) (backend, func(), error) {
	switch c.Backend {
	case config.BackendDocker:
		dc, err := docker.New(docker.Options{
			Image:    c.Docker.Image,
			MemLimit: c.Docker.MemLimit,
			Workload: c.Docker.Workload,
			RunID:    runID,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := dc.Ping(ctx); err != nil {
			dc.Close()
			return nil, nil, fmt.Errorf("docker ping failed (is Docker running?): %w", err)
		}
		log.Info("docker connection OK", "image", c.Docker.Image)
		return dc, func() { dc.Close() }, nil

	case config.BackendE2B:
		var files []e2b.File
		if withFiles {
			var err error
			if files, err = e2b.LoadFiles(c.Files); err != nil {
				return nil, nil, err
			}
		}
		client := e2b.New(e2b.Options{
			BaseURL:        c.BaseURL,
			APIKey:         c.APIKey,
			TemplateID:     c.TemplateID,
			Domain:         c.Domain,
			EnvdURL:        c.EnvdURL,
			TimeoutSeconds: c.TimeoutSeconds,
			RequestTimeout: c.RequestTimeout,
			RunID:          runID,
			Files:          files,
		})
		return client, func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, c.Backend)
}
