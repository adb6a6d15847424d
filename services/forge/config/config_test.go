// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "forge-local", cfg.Node.ID)
	assert.Equal(t, 8, cfg.Pool.Size)
	assert.Equal(t, 0.67, cfg.Consensus.QuorumRatio)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Pool.Size = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Consensus.QuorumRatio = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Telemetry.Exporter = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	body := []byte(`
node:
  id: forge-west-1
pool:
  size: 4
consensus:
  quorum_ratio: 0.75
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "forge-west-1", cfg.Node.ID)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 0.75, cfg.Consensus.QuorumRatio)
	// Untouched sections keep defaults.
	assert.Equal(t, Default().Cache, cfg.Cache)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":: not a config ::"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  size: 4\n"), 0o600))

	t.Setenv("FORGE_POOL_SIZE", "16")
	t.Setenv("FORGE_NODE_ID", "forge-env")
	t.Setenv("FORGE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Pool.Size)
	assert.Equal(t, "forge-env", cfg.Node.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvValidationStillApplies(t *testing.T) {
	t.Setenv("FORGE_POOL_SIZE", "-2")
	_, err := Load("")
	assert.Error(t, err)
}
