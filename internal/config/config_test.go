package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, `{
		"logLevel": "debug",
		"session": { "room": "lab", "tickRate": 30 },
		"db": { "host": "10.0.0.1", "port": "5433" }
	}`)
	require.NoError(t, Load(dir))

	assert.Equal(t, "debug", viper.GetString("logLevel"))
	assert.Equal(t, "10.0.0.1", viper.GetString("db.host"))
	assert.Equal(t, "5433", viper.GetString("db.port"))

	sc := GetSessionConfig()
	assert.Equal(t, "lab", sc.Room)
	assert.Equal(t, 30, sc.TickRate)
	assert.Equal(t, 64, sc.ArcLengthSamples)
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, `{}`)
	require.NoError(t, Load(dir))

	assert.Equal(t, "info", viper.GetString("logLevel"))
	assert.Equal(t, "text", viper.GetString("logFormat"))
	assert.Equal(t, "./logs", viper.GetString("logsDir"))
	assert.Equal(t, "localhost", viper.GetString("db.host"))
	assert.Equal(t, "scenesync", viper.GetString("db.database"))
	assert.Equal(t, false, viper.GetBool("graylog.enabled"))
	assert.Equal(t, "localhost:12201", viper.GetString("graylog.address"))
	assert.Equal(t, false, viper.GetBool("influx.enabled"))

	sc := GetSessionConfig()
	assert.Equal(t, "default", sc.Room)
	assert.Equal(t, 60, sc.TickRate)
	assert.Equal(t, 20.0, sc.PublishRate)
	assert.False(t, sc.ClearRedoOnExecute)
	assert.Equal(t, 0.05, sc.GestureTolerance)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(t.TempDir()))
	assert.Equal(t, ":8080", GetRelayConfig().Listen)
}

func TestLoad_MalformedFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, `{"logLevel":`)
	err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoad_EnvAndDotEnvOverride(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, `{"relay": {"url": "ws://from-file"}}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SCENESYNC_RELAY_SECRET=from-dotenv\n"), 0644))
	t.Setenv("SCENESYNC_RELAY_URL", "ws://from-env")
	t.Cleanup(func() { os.Unsetenv("SCENESYNC_RELAY_SECRET") })

	require.NoError(t, Load(dir))

	rc := GetRelayConfig()
	assert.Equal(t, "ws://from-env", rc.URL)
	assert.Equal(t, "from-dotenv", rc.Secret)
}

func TestGetRelayConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(t.TempDir()))

	rc := GetRelayConfig()
	assert.Equal(t, 30*time.Second, rc.PresenceTimeout)
	assert.Equal(t, []string{"*"}, rc.AllowedOrigins)
	assert.Equal(t, 5*time.Minute, rc.SnapshotInterval)
	assert.Equal(t, 5, rc.SnapshotKeep)
	assert.Equal(t, "./resources", rc.ResourcesDir)
	assert.Equal(t, 200.0, rc.RateLimit)
}

func TestGetStorageConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(t.TempDir()))

	cfg := GetStorageConfig()
	assert.Equal(t, "memory", cfg.Type)
	assert.Equal(t, "./scenesync.db", cfg.SqlitePath)
	assert.Equal(t, 3*time.Minute, cfg.SqliteDumpPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval)
}

func TestGetStorageConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, `{
		"storage": {
			"type": "sqlite",
			"sqlite": { "path": "/tmp/relay.db", "dumpInterval": "10m" }
		}
	}`)
	require.NoError(t, Load(dir))

	sc := GetStorageConfig()
	assert.Equal(t, "sqlite", sc.Type)
	assert.Equal(t, "/tmp/relay.db", sc.SqlitePath)
	assert.Equal(t, 10*time.Minute, sc.SqliteDumpPeriod)
}

func TestGetOTelConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(t.TempDir()))

	cfg := GetOTelConfig()
	assert.Equal(t, false, cfg.Enabled)
	assert.Equal(t, "scenesync", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, "", cfg.Endpoint)
	assert.Equal(t, true, cfg.Insecure)
}

func TestGetOTelConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, `{
		"otel": {
			"enabled": true,
			"serviceName": "relay",
			"batchTimeout": "30s",
			"endpoint": "localhost:4318",
			"insecure": false
		}
	}`)
	require.NoError(t, Load(dir))

	oc := GetOTelConfig()
	assert.Equal(t, true, oc.Enabled)
	assert.Equal(t, "relay", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4318", oc.Endpoint)
	assert.Equal(t, false, oc.Insecure)
}

func TestGetters(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	viper.Set("testInt", 42)
	viper.Set("testBool", true)
	viper.Set("testDuration", "2s")

	assert.Equal(t, "testValue", GetString("testKey"))
	assert.Equal(t, 42, GetInt("testInt"))
	assert.Equal(t, true, GetBool("testBool"))
	assert.Equal(t, 2*time.Second, GetDuration("testDuration"))
}
