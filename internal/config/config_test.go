// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Contains(t, cfg.WorkerTypes, "browser")
	assert.Equal(t, OrchestratorDockerAPI, cfg.Orchestrator)
}

func TestCustomWorkerTypesExpandsMap(t *testing.T) {
	os.Setenv("CUSTOM_WORKER_TYPES", "tankpit,sheets")
	defer os.Unsetenv("CUSTOM_WORKER_TYPES")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Contains(t, cfg.WorkerTypes, "tankpit")
	assert.Contains(t, cfg.WorkerTypes, "sheets")
	assert.Equal(t, "tankpit:jobs", cfg.WorkerTypes["tankpit"].JobQueueName)
}

func TestPerTypeScalingOverrides(t *testing.T) {
	os.Setenv("BROWSER_MIN_WORKERS", "2")
	os.Setenv("BROWSER_MAX_WORKERS", "8")
	os.Setenv("BROWSER_SCALE_UP_THRESHOLD", "10")
	os.Setenv("BROWSER_SCALE_DOWN_THRESHOLD", "2")
	os.Setenv("BROWSER_COOLDOWN", "45s")
	defer func() {
		os.Unsetenv("BROWSER_MIN_WORKERS")
		os.Unsetenv("BROWSER_MAX_WORKERS")
		os.Unsetenv("BROWSER_SCALE_UP_THRESHOLD")
		os.Unsetenv("BROWSER_SCALE_DOWN_THRESHOLD")
		os.Unsetenv("BROWSER_COOLDOWN")
	}()

	cfg, err := Load("")
	require.NoError(t, err)
	wt := cfg.WorkerTypes["browser"]
	assert.Equal(t, 2, wt.Scaling.MinWorkers)
	assert.Equal(t, 8, wt.Scaling.MaxWorkers)
	assert.Equal(t, 10, wt.Scaling.ScaleUpThreshold)
	assert.Equal(t, 2, wt.Scaling.ScaleDownThreshold)
	assert.Equal(t, float64(45), wt.Scaling.Cooldown.Seconds())
}

func TestValidateRejectsInvalidBounds(t *testing.T) {
	cfg := defaultConfig()
	wt := cfg.WorkerTypes["browser"]
	wt.Scaling.MinWorkers = 10
	wt.Scaling.MaxWorkers = 5
	cfg.WorkerTypes["browser"] = wt

	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidateRejectsBadOrchestrator(t *testing.T) {
	cfg := defaultConfig()
	cfg.Orchestrator = "something-else"
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidateRejectsAuthRequiredWithoutSecret(t *testing.T) {
	cfg := defaultConfig()
	cfg.Admin.RequireAuth = true
	cfg.Admin.JWTSecret = ""
	err := Validate(cfg)
	require.Error(t, err)
}

func TestLoadWorkerImageManifestMergesIntoWorkerImages(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/images.yaml"
	require.NoError(t, os.WriteFile(path, []byte("images:\n  browser: registry.internal/browser:v3\n  tankpit: registry.internal/tankpit:v1\n"), 0o644))

	cfg := defaultConfig()
	cfg.OrchestratorSettings.WorkerImages = map[string]string{"browser": "stale:v1"}

	require.NoError(t, LoadWorkerImageManifest(cfg, path))
	assert.Equal(t, "registry.internal/browser:v3", cfg.OrchestratorSettings.WorkerImages["browser"])
	assert.Equal(t, "registry.internal/tankpit:v1", cfg.OrchestratorSettings.WorkerImages["tankpit"])
}

func TestLoadWorkerImageManifestIgnoresMissingFile(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, LoadWorkerImageManifest(cfg, "/nonexistent/images.yaml"))
	require.NoError(t, LoadWorkerImageManifest(cfg, ""))
}
