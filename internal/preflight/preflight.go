package preflight

import (
	"context"
	"strings"

	"montage/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}

	if cfg.Generator.Endpoint != "" {
		results = append(results, CheckGenerator(ctx, cfg.Generator.Endpoint, cfg.Generator.APIKey))
	} else {
		results = append(results, Result{Name: "Generator", Detail: "endpoint not configured"})
	}

	if strings.TrimSpace(cfg.Notifications.RedisURL) != "" {
		results = append(results, CheckRedis(ctx, cfg.Notifications.RedisURL))
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
