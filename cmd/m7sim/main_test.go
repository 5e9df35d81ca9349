package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execCmd runs the root command with args and returns its stdout.
func execCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		verbose, quiet, jsonOut, logJSON = false, false, false, false
		runCompression, runMetricsAddr = "none", ""
		planRanks = 2
	})
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "m7sim 0.1.0")
}

func TestPlanCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "idle blocks",
			args:        []string{"plan", "--ranks", "3", "0", "0", "0", "0", "1", "1", "1", "1", "1", "1", "1", "1"},
			wantContain: []string{"block 4: rank 1 -> 0", "block 8: rank 2 -> 0", "imbalance: 1.500 -> 1.125"},
		},
		{
			name:        "balanced",
			args:        []string{"plan", "--ranks", "3", "1", "1", "1"},
			wantContain: []string{"no moves", "imbalance: 1.000 -> 1.000"},
		},
		{
			name:    "too few blocks",
			args:    []string{"plan", "--ranks", "4", "1", "2"},
			wantErr: true,
		},
		{
			name:    "bad figure",
			args:    []string{"plan", "1", "x"},
			wantErr: true,
		},
		{
			name:    "negative figure",
			args:    []string{"plan", "--", "1", "-1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execCmd(t, tt.args...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, want := range tt.wantContain {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestPlanCommand_JSON(t *testing.T) {
	out, err := execCmd(t, "plan", "--json", "--ranks", "4",
		"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12", "13", "14", "15", "16")
	require.NoError(t, err)

	var got planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Moves, 1)
	assert.Equal(t, 15, got.Moves[0].Block)
	assert.Equal(t, []float64{10, 26, 42, 58}, got.Before)
	assert.Equal(t, []float64{26, 26, 42, 42}, got.After)
}

func TestRunCommand(t *testing.T) {
	args := []string{"run", "--quiet", "--ranks", "2", "--cycles", "4", "--spawn", "32",
		"--keys", "128", "--blocks", "8", "--redistribute-every", "2", "--compression", "lz4"}

	t.Run("text", func(t *testing.T) {
		out, err := execCmd(t, args...)
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("json", func(t *testing.T) {
		out, err := execCmd(t, append(args, "--json")...)
		require.NoError(t, err)

		var got runOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, 4, got.Cycles)
		assert.Len(t, got.Ranks, 2)
		assert.Len(t, got.Imbalance, 2)
		assert.Equal(t, int64(8), got.Metrics.CommunicateCount)
	})

	t.Run("bad compression", func(t *testing.T) {
		_, err := execCmd(t, "run", "--quiet", "--cycles", "1", "--compression", "snappy")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "snappy"))
	})
}
