package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpmm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
async_io_tokens = 4

[pool]
total_pages = 1024
low_pages = 64
numa_nodes = 2

[[swap_file]]
path = "/tmp/swap0"
slots = 1000

[[swap_file]]
path = "/tmp/swap1"
slots = 2000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1024, cfg.Pool.TotalPages)
	require.Equal(t, 64, cfg.Pool.LowPages)
	require.Equal(t, 2, cfg.Pool.NUMANodes)
	require.Equal(t, int64(4), cfg.AsyncIOTokens)
	require.Len(t, cfg.SwapFiles, 2)
	require.Equal(t, "/tmp/swap1", cfg.SwapFiles[1].Path)
	// Fields the file didn't override keep their Default() values.
	require.Equal(t, Default().CheckpointBufSize, cfg.CheckpointBufSize)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeConfig(t, `this is not valid toml {{{`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsTooManySwapFiles(t *testing.T) {
	cfg := Default()
	for i := 0; i < 9; i++ {
		cfg.SwapFiles = append(cfg.SwapFiles, SwapFile{Path: "x", Slots: 1})
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroSlotSwapFile(t *testing.T) {
	cfg := Default()
	cfg.SwapFiles = append(cfg.SwapFiles, SwapFile{Path: "x", Slots: 0})
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsLowPagesExceedingTotal(t *testing.T) {
	cfg := Default()
	cfg.Pool.LowPages = cfg.Pool.TotalPages + 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveAsyncIOTokens(t *testing.T) {
	cfg := Default()
	cfg.AsyncIOTokens = 0
	require.Error(t, cfg.Validate())
}
