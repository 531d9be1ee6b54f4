package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.ChunkSize)
	assert.Equal(t, 3*time.Minute, cfg.MetadataTTL)
	assert.Equal(t, time.Minute, cfg.CriticalTTL)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 1e-6, cfg.RebaseEpsilon)
	assert.Equal(t, 0, cfg.IndexerRetries)
	assert.False(t, cfg.IncludeNativeHoldings)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoadEnvAndFlags(t *testing.T) {
	chdirTemp(t)
	t.Setenv("STAKES_RPC", "http://rpc.local")
	t.Setenv("STAKES_METADATA_TTL", "90s")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringSlice("subgraph", nil, "")
	flags.Int("chunk-size", 30, "")
	require.NoError(t, flags.Parse([]string{"--subgraph", "http://a,http://b", "--chunk-size", "10"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "http://rpc.local", cfg.RPCURL)
	assert.Equal(t, 90*time.Second, cfg.MetadataTTL)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Subgraphs)
	assert.Equal(t, 10, cfg.ChunkSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stakes.yaml")
	content := "rpc: http://rpc.file\nsubgraph:\n  - http://primary\n  - http://secondary\nblacklist: \"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://rpc.file", cfg.RPCURL)
	assert.Equal(t, []string{"http://primary", "http://secondary"}, cfg.Subgraphs)
	assert.Equal(t, []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, cfg.Blacklist)
}

func TestValidate(t *testing.T) {
	base := Config{RPCURL: "http://rpc", Subgraphs: []string{"http://a"}, ChunkSize: 30}
	assert.NoError(t, base.Validate())

	missingRPC := base
	missingRPC.RPCURL = ""
	assert.Error(t, missingRPC.Validate())

	noSubgraph := base
	noSubgraph.Subgraphs = nil
	assert.Error(t, noSubgraph.Validate())

	bigChunk := base
	bigChunk.ChunkSize = 31
	assert.Error(t, bigChunk.Validate())
}
