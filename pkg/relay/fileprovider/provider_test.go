// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package fileprovider

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "/game/AppData/LocalLow/VRChat/VRChat"

func newTestFs(tb testing.TB, names ...string) afero.Fs {
	tb.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(tb, fs.MkdirAll(testDir, 0o755))
	for _, name := range names {
		require.NoError(tb, afero.WriteFile(fs, filepath.Join(testDir, name), []byte("x"), 0o644))
	}
	return fs
}

func basenames(files []LogFile) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
	}
	return names
}

func TestFilesToTailEmptyDirectory(t *testing.T) {
	provider := NewProvider(newTestFs(t), 30*time.Second, 4)
	files, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFilesToTailMissingDirectory(t *testing.T) {
	provider := NewProvider(afero.NewMemMapFs(), 30*time.Second, 4)
	_, err := provider.FilesToTail("/does/not/exist")
	assert.Error(t, err)
}

func TestFilesToTailSingleFile(t *testing.T) {
	fs := newTestFs(t, "output_log_2025-06-30_15-30-15.txt")
	provider := NewProvider(fs, 30*time.Second, 4)
	files, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"output_log_2025-06-30_15-30-15.txt"}, basenames(files))
}

func TestFilesToTailIgnoresForeignNames(t *testing.T) {
	fs := newTestFs(t,
		"output_log_2025-06-30_15-30-15.txt",
		"Player.log",
		"output_log.txt",
		"output_log_2025-06-30_15-30.txt",
		"notes.md",
	)
	require.NoError(t, fs.MkdirAll(filepath.Join(testDir, "output_log_2025-06-30_15-30-20.txt"), 0o755))
	provider := NewProvider(fs, 30*time.Second, 4)
	files, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"output_log_2025-06-30_15-30-15.txt"}, basenames(files))
}

func TestFilesToTailGroupsHandoffChain(t *testing.T) {
	// Three files written 20 s apart form one session, a file from an
	// hour earlier does not.
	fs := newTestFs(t,
		"output_log_2025-06-30_14-00-00.txt",
		"output_log_2025-06-30_15-00-00.txt",
		"output_log_2025-06-30_15-00-20.txt",
		"output_log_2025-06-30_15-00-40.txt",
	)
	provider := NewProvider(fs, 30*time.Second, 4)
	files, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"output_log_2025-06-30_15-00-00.txt",
		"output_log_2025-06-30_15-00-20.txt",
		"output_log_2025-06-30_15-00-40.txt",
	}, basenames(files))
}

func TestFilesToTailGroupPeriodBoundary(t *testing.T) {
	// Exactly group_period apart is still the same session, one second
	// more is not.
	fs := newTestFs(t,
		"output_log_2025-06-30_15-00-00.txt",
		"output_log_2025-06-30_15-00-30.txt",
	)
	provider := NewProvider(fs, 30*time.Second, 4)
	files, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	fs = newTestFs(t,
		"output_log_2025-06-30_15-00-00.txt",
		"output_log_2025-06-30_15-00-31.txt",
	)
	provider = NewProvider(fs, 30*time.Second, 4)
	files, err = provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"output_log_2025-06-30_15-00-31.txt"}, basenames(files))
}

func TestFilesToTailChainStopsAtFirstGap(t *testing.T) {
	// The walk is a chain, a candidate further down that would fit the
	// window of an earlier file is not reconsidered once a gap is seen.
	fs := newTestFs(t,
		"output_log_2025-06-30_15-00-00.txt",
		"output_log_2025-06-30_15-00-29.txt",
		"output_log_2025-06-30_15-01-10.txt",
		"output_log_2025-06-30_15-01-20.txt",
	)
	provider := NewProvider(fs, 30*time.Second, 4)
	files, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"output_log_2025-06-30_15-01-10.txt",
		"output_log_2025-06-30_15-01-20.txt",
	}, basenames(files))
}

func TestFilesToTailHonorsMaxFiles(t *testing.T) {
	fs := newTestFs(t,
		"output_log_2025-06-30_15-00-00.txt",
		"output_log_2025-06-30_15-00-10.txt",
		"output_log_2025-06-30_15-00-20.txt",
		"output_log_2025-06-30_15-00-30.txt",
		"output_log_2025-06-30_15-00-40.txt",
		"output_log_2025-06-30_15-00-50.txt",
	)
	provider := NewProvider(fs, 30*time.Second, 4)
	files, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"output_log_2025-06-30_15-00-20.txt",
		"output_log_2025-06-30_15-00-30.txt",
		"output_log_2025-06-30_15-00-40.txt",
		"output_log_2025-06-30_15-00-50.txt",
	}, basenames(files))
}

func TestFilesToTailIsIdempotent(t *testing.T) {
	fs := newTestFs(t,
		"output_log_2025-06-30_15-00-00.txt",
		"output_log_2025-06-30_15-00-25.txt",
	)
	provider := NewProvider(fs, 30*time.Second, 4)
	first, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	second, err := provider.FilesToTail(testDir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParseBasename(t *testing.T) {
	ts, ok := ParseBasename("output_log_2025-06-30_15-30-15.txt")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 30, 15, 30, 15, 0, time.Local), ts)

	for _, name := range []string{
		"output_log_2025-06-30_15-30-15.txt.bak",
		"output_log_25-06-30_15-30-15.txt",
		"output_log_2025-06-30.txt",
		"Player.log",
		"",
	} {
		_, ok := ParseBasename(name)
		assert.False(t, ok, "name %q should not parse", name)
	}
}
