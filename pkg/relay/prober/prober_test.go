// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package prober

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kurotori/vrc-log-relay/pkg/util/cache"
)

func setupProberTest(tb testing.TB, infos []processInfo, fetchErr error) {
	tb.Helper()
	cache.Cache.Flush()
	origFetcher := processFetcher
	origExec := execEnumerate
	processFetcher = func() ([]processInfo, error) {
		return infos, fetchErr
	}
	execEnumerate = func(context.Context, string) ([]candidate, error) {
		return nil, nil
	}
	tb.Cleanup(func() {
		processFetcher = origFetcher
		execEnumerate = origExec
		cache.Cache.Flush()
	})
}

func newTestProber() *SystemProber {
	return NewSystemProber(Options{
		ProcessName: "VRChat.exe",
		RetryDelay:  time.Millisecond,
	})
}

func TestProbeFindsByName(t *testing.T) {
	setupProberTest(t, []processInfo{
		{pid: 10, name: "steam", cmdline: "/usr/bin/steam"},
		{pid: 4242, name: "VRChat.exe", cmdline: `Z:\Program Files\VRChat\VRChat.exe`},
	}, nil)

	result := newTestProber().Probe(context.Background())
	assert.True(t, result.Present)
	assert.EqualValues(t, 4242, result.Pid)
	assert.Equal(t, "name", result.Method)
}

func TestProbeFallsBackToCmdline(t *testing.T) {
	// A wrapper hides the executable name but keeps it on the command line.
	setupProberTest(t, []processInfo{
		{pid: 77, name: "wine64-preloader", cmdline: `Z:\Program Files\VRChat\VRChat.exe -batchmode`},
	}, nil)

	result := newTestProber().Probe(context.Background())
	assert.True(t, result.Present)
	assert.EqualValues(t, 77, result.Pid)
	assert.Equal(t, "cmdline", result.Method)
}

func TestProbeNeverMatchesItself(t *testing.T) {
	setupProberTest(t, []processInfo{
		{pid: int32(os.Getpid()), name: "VRChat.exe", cmdline: "VRChat.exe"},
	}, nil)

	result := newTestProber().Probe(context.Background())
	assert.False(t, result.Present)
}

func TestProbeDownRanksAuxiliaries(t *testing.T) {
	setupProberTest(t, []processInfo{
		{pid: 100, name: "VRChat.exe", cmdline: `C:\VRChat\VRChat_launcher.exe --start VRChat.exe`},
		{pid: 200, name: "VRChat.exe", cmdline: `C:\VRChat\VRChat.exe`},
	}, nil)

	result := newTestProber().Probe(context.Background())
	assert.True(t, result.Present)
	assert.EqualValues(t, 200, result.Pid)
}

func TestProbeAcceptsAuxiliaryWhenAlone(t *testing.T) {
	setupProberTest(t, []processInfo{
		{pid: 100, name: "VRChat.exe", cmdline: `C:\VRChat\VRChat_launcher.exe --start VRChat.exe`},
	}, nil)

	result := newTestProber().Probe(context.Background())
	assert.True(t, result.Present)
	assert.EqualValues(t, 100, result.Pid)
}

func TestProbeUsesExecFallback(t *testing.T) {
	setupProberTest(t, nil, nil)
	execEnumerate = func(context.Context, string) ([]candidate, error) {
		return []candidate{{pid: 31337, cmdline: "VRChat.exe"}}, nil
	}

	result := newTestProber().Probe(context.Background())
	assert.True(t, result.Present)
	assert.EqualValues(t, 31337, result.Pid)
	assert.Equal(t, "exec", result.Method)
}

func TestProbeAbsent(t *testing.T) {
	setupProberTest(t, []processInfo{
		{pid: 10, name: "steam", cmdline: "/usr/bin/steam"},
	}, nil)

	result := newTestProber().Probe(context.Background())
	assert.False(t, result.Present)
	assert.Zero(t, result.Pid)
}

func TestProbeRetriesTransientFailures(t *testing.T) {
	setupProberTest(t, nil, nil)
	calls := 0
	processFetcher = func() ([]processInfo, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient enumeration failure")
		}
		return []processInfo{{pid: 55, name: "VRChat.exe"}}, nil
	}

	result := newTestProber().Probe(context.Background())
	assert.True(t, result.Present)
	assert.EqualValues(t, 55, result.Pid)
	assert.Equal(t, 2, calls)
}

func TestProbeSurvivesTotalFailure(t *testing.T) {
	setupProberTest(t, nil, errors.New("enumeration broken"))
	execEnumerate = func(context.Context, string) ([]candidate, error) {
		return nil, errors.New("exec broken")
	}

	result := newTestProber().Probe(context.Background())
	assert.False(t, result.Present)
}

func TestProbeHonorsContextCancellation(t *testing.T) {
	setupProberTest(t, nil, errors.New("always failing"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newTestProber().Probe(ctx)
	assert.False(t, result.Present)
}

func TestProbeReusesCachedEnumeration(t *testing.T) {
	setupProberTest(t, nil, nil)
	calls := 0
	processFetcher = func() ([]processInfo, error) {
		calls++
		return []processInfo{{pid: 70, name: "VRChat.exe"}}, nil
	}

	prober := newTestProber()
	prober.Probe(context.Background())
	prober.Probe(context.Background())
	assert.Equal(t, 1, calls)
}

func TestMatchesName(t *testing.T) {
	assert.True(t, matchesName("VRChat.exe", "VRChat.exe"))
	assert.True(t, matchesName("vrchat.exe", "VRChat.exe"))
	assert.True(t, matchesName("VRChat", "VRChat.exe"))
	assert.False(t, matchesName("VRChat.exe.old", "VRChat.exe"))
	assert.False(t, matchesName("chrome.exe", "VRChat.exe"))
	assert.False(t, matchesName("", "VRChat.exe"))
}
