package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", 0)
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.False(t, cfg.AofEnabled)
	require.Equal(t, FsyncEverysec, cfg.AofFsync)
}

func TestLoadParsesDirectives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "respserver.conf")
	contents := "port 7000\n" +
		"dir " + dir + "\n" +
		"appendonly yes\n" +
		"appendfilename mine.aof\n" +
		"appendfsync no\n" +
		"maxmemory 10mb\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := Load(path, 0)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.True(t, cfg.AofEnabled)
	require.Equal(t, "mine.aof", cfg.AofFn)
	require.Equal(t, FsyncNo, cfg.AofFsync)
	require.EqualValues(t, 10*1024*1024, cfg.MaxMemoryBytes)
}

func TestCliPortOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "respserver.conf")
	require.NoError(t, os.WriteFile(path, []byte("port 7000\n"), 0644))

	cfg, err := Load(path, 9999)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
}

func TestParseMemorySuffixes(t *testing.T) {
	cases := map[string]int64{
		"1024": 1024,
		"1kb":  1024,
		"2mb":  2 * 1024 * 1024,
		"1gb":  1024 * 1024 * 1024,
		"1MB":  1024 * 1024,
	}
	for in, want := range cases {
		got, err := parseMemory(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := parseMemory("not-a-number")
	require.Error(t, err)
}
