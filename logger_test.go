package m7

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger(t *testing.T) {
	ctx := context.Background()

	t.Run("fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		l.WithRank(2).WithTable("walkers").WithCount(7).Info("hello")

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, float64(2), lines[0]["rank"])
		assert.Equal(t, "walkers", lines[0]["table"])
		assert.Equal(t, float64(7), lines[0]["count"])
	})

	t.Run("operations", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

		l.LogCommunicate(ctx, 1, 10, nil)
		l.LogCommunicate(ctx, 2, 0, errors.New("boom"))
		l.LogRedistribute(ctx, 3, 0, 1.0, nil)
		l.LogRedistribute(ctx, 4, 2, 1.5, nil)
		l.LogRemap(ctx, "walkers", 4, 19)

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 5)
		assert.Equal(t, "DEBUG", lines[0]["level"])
		assert.Equal(t, float64(10), lines[0]["store_rows"])
		assert.Equal(t, "ERROR", lines[1]["level"])
		assert.Equal(t, "boom", lines[1]["error"])
		assert.Equal(t, "DEBUG", lines[2]["level"])
		assert.Equal(t, "INFO", lines[3]["level"])
		assert.Equal(t, float64(2), lines[3]["moves"])
		assert.Equal(t, float64(19), lines[4]["buckets_new"])
	})

	t.Run("level filter", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
		l.LogCommunicate(ctx, 1, 10, nil)
		assert.Zero(t, buf.Len())
	})

	t.Run("noop", func(t *testing.T) {
		l := NoopLogger()
		assert.NotPanics(t, func() {
			l.LogRedistribute(ctx, 1, 3, 2.0, nil)
		})
		assert.False(t, l.Enabled(ctx, slog.LevelError))
	})
}

func TestBasicMetricsCollector(t *testing.T) {
	var mc BasicMetricsCollector
	mc.RecordCommunicate(10, 100, nil)
	mc.RecordCommunicate(20, 300, errors.New("x"))
	mc.RecordRedistribute(3, 50, nil)
	mc.RecordStoreRows(5)
	mc.RecordStoreRows(12)
	mc.RecordStoreRows(7)

	s := mc.GetStats()
	assert.Equal(t, int64(2), s.CommunicateCount)
	assert.Equal(t, int64(1), s.CommunicateErrors)
	assert.Equal(t, int64(30), s.CommunicateRows)
	assert.Equal(t, int64(200), s.CommunicateAvgNanos)
	assert.Equal(t, int64(1), s.RedistributeCount)
	assert.Equal(t, int64(3), s.RedistributeMoves)
	assert.Equal(t, int64(50), s.RedistributeAvgNanos)
	assert.Equal(t, int64(12), s.PeakStoreRows)

	var empty BasicMetricsCollector
	assert.Zero(t, empty.GetStats().CommunicateAvgNanos)
}
