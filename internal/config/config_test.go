package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubrid/gobroker/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "broker1", cfg.Name)
	assert.Equal(t, 30000, cfg.Port)
	assert.Equal(t, config.WorkerStandard, cfg.WorkerType)
	assert.Equal(t, 1, cfg.MinWorkers)
	assert.Equal(t, 1, cfg.MaxWorkers)
	assert.True(t, cfg.SQLLogMode.Has(config.SQLLogOn))
	assert.False(t, cfg.SQLLogMode.Has(config.SQLLogBindValues))
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "broker.yaml")
	err := os.WriteFile(confPath, []byte("name: shard_broker\nmin_workers: 2\nmax_workers: 8\nsql_log_mode: \"on,bind-values\"\n"), 0o600)
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := config.DefineFlags(fs)
	require.NoError(t, fs.Parse([]string{"-conf", confPath}))

	cfg, err := config.Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "shard_broker", cfg.Name)
	assert.Equal(t, 2, cfg.MinWorkers)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.True(t, cfg.SQLLogMode.Has(config.SQLLogBindValues))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(confPath, []byte("name: from_file\n"), 0o600))

	t.Setenv("BROKER_CONF", confPath)
	t.Setenv("BROKER_NAME", "from_env")
	t.Setenv("BROKER_SHM_KEY", "shmkey123")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "from_env", cfg.Name)
	assert.Equal(t, "shmkey123", cfg.ShmKey)
}

func TestLoad_FlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(confPath, []byte("name: from_file\nmin_workers: 3\n"), 0o600))
	t.Setenv("BROKER_NAME", "from_env")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := config.DefineFlags(fs)
	require.NoError(t, fs.Parse([]string{"-conf", confPath, "-name", "from_flag"}))

	cfg, err := config.Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "from_flag", cfg.Name)
	assert.Equal(t, 3, cfg.MinWorkers, "unset flags should not clobber file-provided values")
}

func TestValidate_RejectsMaxBelowMin(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := config.DefineFlags(fs)
	require.NoError(t, fs.Parse([]string{"-min-workers", "4", "-max-workers", "2"}))

	_, err := config.Load(flags)
	assert.Error(t, err)
}

func TestScmPath_UsesBrokerHomeWhenSet(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BROKER_HOME", dir)
	t.Setenv("BROKER_SHM_KEY", "shmkey123")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "scm", "shmkey123.scm"), cfg.ScmPath())
}

func TestScmPath_FallsBackToTempDirWhenBrokerHomeUnset(t *testing.T) {
	t.Setenv("BROKER_HOME", "")
	t.Setenv("BROKER_SHM_KEY", "shmkey456")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(os.TempDir(), "scm", "shmkey456.scm"), cfg.ScmPath())
}

func TestParseSQLLogMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    config.SQLLogMode
		wantErr bool
	}{
		{"", config.SQLLogOff, false},
		{"off", config.SQLLogOff, false},
		{"on", config.SQLLogOn, false},
		{"on,append", config.SQLLogOn | config.SQLLogAppend, false},
		{"on,bind-values", config.SQLLogOn | config.SQLLogBindValues, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := config.ParseSQLLogMode(tt.raw)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
