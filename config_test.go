package dig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BarrensZeppelin/dig"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := dig.DefaultConfig()
	assert.Equal(t, []int64{1, 2, 4, 8, 12, 16, 24, 32}, cfg.PlausibleSizes)
	assert.Equal(t, []int64{65536}, cfg.SuspiciousSizes)
	assert.Equal(t, dig.AllocBytes, cfg.Allocators["malloc"])
	assert.Equal(t, dig.AllocZeroed, cfg.Allocators["calloc"])
	assert.Equal(t, dig.AllocRealloc, cfg.Allocators["realloc"])
	assert.EqualValues(t, 32, cfg.MaxStride)
	assert.Equal(t, 32, cfg.TraceBudget)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
max_stride: 64
allocators:
  xmalloc: bytes
  xcalloc: zeroed
`)

	cfg, err := dig.LoadConfig(path)
	require.NoError(t, err)

	assert.EqualValues(t, 64, cfg.MaxStride)
	assert.Equal(t, dig.AllocBytes, cfg.Allocators["xmalloc"])
	assert.Equal(t, dig.AllocZeroed, cfg.Allocators["xcalloc"])
	// Untouched fields keep their defaults.
	assert.Equal(t, 32, cfg.TraceBudget)
	assert.Equal(t, []int64{1, 2, 4, 8, 12, 16, 24, 32}, cfg.PlausibleSizes)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"zero stride":    "max_stride: 0",
		"zero budget":    "trace_budget: 0",
		"bad plausible":  "plausible_sizes: [4, 0]",
		"unknown kind":   "allocators: {m: slab}",
		"malformed yaml": "allocators: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := dig.LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := dig.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestCustomAllocatorRecognition(t *testing.T) {
	res := analyzeWith(t, `package main

func arena(size int) []byte {
	return make([]byte, size)
}

func main() {
	buf := arena(400)
	_ = buf
}`, func(cfg *dig.Config) {
		cfg.Allocators["arena"] = dig.AllocBytes
	})

	recs := nodesOfKind(res, dig.AllocBytes)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 400, recs[0].Count)
}
