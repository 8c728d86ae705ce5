package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefaultsAreValid(t *testing.T) {
	c, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, 500, c.Export.PageSize)
	assert.Equal(t, "fs", c.Blob.Backend)
	assert.Equal(t, time.Hour, c.Forest.TaskTimeout)
	assert.Equal(t, "sqlite", c.Forest.Queue)
}

func TestForestQueueOption(t *testing.T) {
	c, err := Load(newFlags(t, "--forest-queue", "memory"))
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Forest.Queue)

	_, err = Load(newFlags(t, "--forest-queue", "redis"))
	assert.ErrorContains(t, err, "forest.queue")
}

func TestPrecedenceFileEnvFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sylva.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
sqlite_path: /var/lib/sylva.db
export:
  page_size: 100
forest:
  workers: 4
  task_timeout: 30m
blob:
  backend: s3
  bucket: from-file
`), 0o600))

	t.Setenv("SYLVA_EXPORT_PAGE_SIZE", "250")
	t.Setenv("SYLVA_BLOB_BUCKET", "from-env")

	c, err := Load(newFlags(t, "--config", path, "--blob-bucket", "from-flag", "--forest-poll-interval", "250ms"))
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, "/var/lib/sylva.db", c.SQLitePath)
	assert.Equal(t, 250, c.Export.PageSize, "env beats file")
	assert.Equal(t, "from-flag", c.Blob.Bucket, "flag beats env")
	assert.Equal(t, 4, c.Forest.Workers)
	assert.Equal(t, 30*time.Minute, c.Forest.TaskTimeout)
	assert.Equal(t, 250*time.Millisecond, c.Forest.PollInterval)
}

func TestConfigFromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7000\"\n"), 0o600))
	t.Setenv("SYLVA_CONFIG", path)
	c, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Addr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SYLVA_FOREST_WORKERS", "many")
	_, err := Load(newFlags(t))
	assert.Error(t, err)

	t.Setenv("SYLVA_FOREST_WORKERS", "")
	_, err = Load(newFlags(t, "--blob-backend", "s3"))
	assert.ErrorContains(t, err, "blob.bucket")

	_, err = Load(newFlags(t, "--export-page-size", "0", "--log-format", "xml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_size")
	assert.Contains(t, err.Error(), "log.format")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "SYLVA_FOREST_TASK_TIMEOUT", EnvName("forest.task_timeout"))
	assert.Equal(t, "forest-task-timeout", FlagName("forest.task_timeout"))
	assert.Equal(t, "sqlite-path", FlagName("sqlite_path"))
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})
	require.NoError(t, SetupLogging(LogConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.Error(t, SetupLogging(LogConfig{Level: "loud"}))
	assert.Error(t, SetupLogging(LogConfig{Level: "info", Format: "xml"}))
}
