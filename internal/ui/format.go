package ui

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zsprackett/execwatch/internal/execution"
)

// FormatDurationMs renders a duration reported in milliseconds: "850ms",
// "42s", "3m 7s".
func FormatDurationMs(ms int64) string {
	if ms <= 0 {
		return "0ms"
	}
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := ms / 1000
	if mins := secs / 60; mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}

func FormatDuration(d time.Duration) string {
	return FormatDurationMs(d.Milliseconds())
}

// FormatProgress renders step progress, e.g. "2/5 40%".
func FormatProgress(r execution.Record) string {
	return fmt.Sprintf("%d/%d %3.0f%%", r.CurrentStep, r.TotalSteps, r.Progress())
}

// FormatMemory renders heap usage, e.g. "118 MiB / 512 MiB (23.1%)".
func FormatMemory(m *execution.MemoryUsage) string {
	if m == nil {
		return "-"
	}
	return fmt.Sprintf("%s / %s (%.1f%%)",
		humanize.IBytes(uint64(max(m.HeapUsed, 0))),
		humanize.IBytes(uint64(max(m.HeapMax, 0))),
		m.HeapUsagePercent)
}

// FormatAgo renders t relative to now, e.g. "3 minutes ago".
func FormatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-2]) + ".."
}
