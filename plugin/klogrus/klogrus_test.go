package klogrus_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwire/kworker/pkg/kworker"
	"github.com/kwire/kworker/plugin/klogrus"
)

func ExampleNew() {
	l := klogrus.New(logrus.New())

	l.Log(kworker.LogLevelInfo, "test message", "test-key", "test-val")
	// Output:
}

func TestLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.WarnLevel)

	l := klogrus.New(logger)
	assert.Equal(t, kworker.LogLevelWarn, l.Level())

	l.Log(kworker.LogLevelWarn, "test message", "test-key", "test-val", "dangling")
	require.Equal(t, 1, len(hook.Entries))
	lastEntry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, lastEntry.Level)
	assert.Equal(t, "test message", lastEntry.Message)
	assert.Equal(t, logrus.Fields{"test-key": "test-val"}, lastEntry.Data)

	// Below the logrus level, nothing is written.
	l.Log(kworker.LogLevelDebug, "quiet")
	l.Log(kworker.LogLevelNone, "quiet")
	assert.Equal(t, 1, len(hook.Entries))
}

func TestFieldLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()

	l := klogrus.NewFieldLogger(logger.WithField("worker", "w1"))

	level := l.Level()
	assert.Equal(t, kworker.LogLevelInfo, level)

	l.Log(kworker.LogLevelInfo, "test message", "test-key", "test-val")

	require.Equal(t, 1, len(hook.Entries))
	lastEntry := hook.LastEntry()

	assert.Equal(t, logrus.InfoLevel, lastEntry.Level)
	assert.Equal(t, "test message", lastEntry.Message)

	value, ok := lastEntry.Data["test-key"]
	assert.True(t, ok)
	assert.Equal(t, "test-val", value)
	assert.Equal(t, "w1", lastEntry.Data["worker"])

	hook.Reset()
	assert.Nil(t, hook.LastEntry())
}
