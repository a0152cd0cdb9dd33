package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateForLog(t *testing.T) {
	assert.Equal(t, "short", truncateForLog("short", 10))

	long := truncateForLog("aaaaaaaaaaaa", 5)
	assert.Equal(t, "aaaaa... [truncated]", long)
}

func TestFormatCrashLog_Sections(t *testing.T) {
	log := CrashLog{
		Timestamp:  time.Now(),
		Version:    "1.0.0",
		Command:    "run",
		PanicValue: "boom",
		StackTrace: "goroutine 1 [running]",
		LastBrief:  "ship the release",
	}

	out := formatCrashLog(log)
	assert.Contains(t, out, "PANIC VALUE")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "STACK TRACE")
	assert.Contains(t, out, "LAST BRIEF")
	assert.Contains(t, out, "ship the release")
}

func TestCleanOldCrashLogs_KeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < MaxCrashLogs+3; i++ {
		name := fmt.Sprintf("crash_20260101_%06d.log", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	require.NoError(t, cleanOldCrashLogs(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, MaxCrashLogs)

	// Oldest files are the ones removed.
	assert.Equal(t, "crash_20260101_000003.log", entries[0].Name())
}

func TestNew_VerboseEnablesDebug(t *testing.T) {
	l := New(os.Stderr, true)
	assert.True(t, l.Enabled(t.Context(), slog.LevelDebug))

	l = New(os.Stderr, false)
	assert.False(t, l.Enabled(t.Context(), slog.LevelDebug))
}
