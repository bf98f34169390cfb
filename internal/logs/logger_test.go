package logs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("chatty"))
}

func TestInit_JSONToFile(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	prefix := filepath.Join(t.TempDir(), "peerd")
	closer, err := Init(Options{Level: "debug", Format: "json", File: prefix})
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, Logger.Formatter)

	Logger.WithField("user_id", 1).Info("hello")
	require.NoError(t, closer.Close())

	matches, err := filepath.Glob(prefix + "_*.log")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"user_id":1`)
}

func TestInit_BadFile(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	_, err := Init(Options{File: filepath.Join(t.TempDir(), "missing", "dir", "log")})
	assert.Error(t, err)
}

func TestInit_Output(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	var buf bytes.Buffer
	_, err := Init(Options{Level: "warn", Output: &buf})
	require.NoError(t, err)

	Logger.Info("quiet")
	Logger.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}
