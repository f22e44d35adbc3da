// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown", "round", 3)
	l.Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "round=3")
	assert.Contains(t, out, "also shown")
}

func TestNew_JSONWithServiceAndRank(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, JSON: true, Service: "converge", Output: &buf})
	l.WithRank(2).Debug("tree updated", slog.Int("leaves", 64))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "tree updated", rec["msg"])
	assert.Equal(t, "converge", rec["service"])
	assert.EqualValues(t, 2, rec["rank"])
	assert.EqualValues(t, 64, rec["leaves"])
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Quiet: true, Output: &buf})
	l.Error("nobody hears this")
	assert.Empty(t, buf.String())
	assert.NoError(t, l.Close())
}

func TestNew_LogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, LogDir: dir, Service: "inspect", Output: &buf})
	l.Info("written twice")
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "inspect_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written twice"`)
	assert.Contains(t, buf.String(), "written twice")
}

func TestNew_UnusableLogDirFallsBackToConsole(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	var buf bytes.Buffer
	l := New(Config{LogDir: filepath.Join(blocker, "sub"), Output: &buf})
	l.Info("still logged")
	assert.Contains(t, buf.String(), "still logged")
	assert.NoError(t, l.Close())
}

func TestLogger_Exporter(t *testing.T) {
	exp := NewBufferedExporter()
	l := New(Config{Level: LevelInfo, Quiet: true, Service: "converge", Exporter: exp})

	l.Debug("below level")
	l.With("rank", 1).Info("converged", slog.Int("rounds", 4))

	entries := exp.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "converged", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "converge", entries[0].Service)
	assert.EqualValues(t, 4, entries[0].Attrs["rounds"])
	require.NoError(t, l.Close())
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	l := New(Config{Quiet: true, Exporter: exp})

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl := l.WithRank(r)
			for i := 0; i < 50; i++ {
				rl.Info("round", "i", i)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, exp.Entries(), 400)
}

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}))

	l.Debug("low")
	l.Warn("high")
	assert.Contains(t, a.String(), "low")
	assert.Contains(t, a.String(), "k=v")
	assert.NotContains(t, b.String(), "low")
	assert.Contains(t, b.String(), "high")

	g := slog.New(h.WithGroup("grp"))
	g.Warn("grouped", "x", 1)
	assert.Contains(t, b.String(), "grp.x=1")
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, slog.String("b", "two"), "dangling"})
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, got)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.True(t, strings.HasPrefix(expandPath("~"), home))
}
