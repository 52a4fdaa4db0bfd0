package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwire/kworker/pkg/kworker"
)

func TestParseAcks(t *testing.T) {
	for in, want := range map[string]kworker.Acks{
		"leader": kworker.LeaderAck,
		"1":      kworker.LeaderAck,
		"all":    kworker.AllISRAcks,
		"-1":     kworker.AllISRAcks,
		"none":   kworker.NoAck,
		"0":      kworker.NoAck,
	} {
		got, err := parseAcks(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseAcks("some")
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"metadata"},
		{"produce"},
		{"consume"},
		{"offsets", "fetch"},
		{"offsets", "commit"},
		{"offsets", "list"},
		{"group", "join"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
