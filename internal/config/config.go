package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "scenesync.cfg.json"

// EnvPrefix prefixes environment overrides, e.g. SCENESYNC_RELAY_URL.
const EnvPrefix = "SCENESYNC"

// SessionConfig holds the collaborating client settings.
type SessionConfig struct {
	Room               string
	ClientID           string
	TickRate           int
	PublishRate        float64
	ArcLengthSamples   int
	ClearRedoOnExecute bool
	GestureTolerance   float64
}

// RelayConfig holds relay server and relay client settings.
type RelayConfig struct {
	Listen           string
	URL              string
	Secret           string
	AllowedOrigins   []string
	PresenceTimeout  time.Duration
	RateLimit        float64
	RateBurst        int
	ResourcesBaseURL string
	ResourcesDir     string
	SnapshotDir      string
	SnapshotInterval time.Duration
	SnapshotKeep     int
}

// StorageConfig selects the relay persistence.
type StorageConfig struct {
	Type             string
	SqlitePath       string
	SqliteDumpPath   string
	SqliteDumpPeriod time.Duration
	FlushInterval    time.Duration
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// Load reads .env and the JSON config file from configDir and sets
// defaults. Both files are optional; environment variables override them.
func Load(configDir string) error {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error reading %s: %w", envPath, err)
	}

	setDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logFormat", "text")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("session.room", "default")
	viper.SetDefault("session.clientId", "")
	viper.SetDefault("session.tickRate", 60)
	viper.SetDefault("session.publishRate", 20)
	viper.SetDefault("session.arcLengthSamples", 64)
	viper.SetDefault("session.gestureTolerance", 0.05)
	viper.SetDefault("history.clearRedoOnExecute", false)

	viper.SetDefault("relay.listen", ":8080")
	viper.SetDefault("relay.url", "ws://localhost:8080")
	viper.SetDefault("relay.secret", "")
	viper.SetDefault("relay.allowedOrigins", []string{"*"})
	viper.SetDefault("relay.presenceTimeout", "30s")
	viper.SetDefault("relay.rateLimit", 200)
	viper.SetDefault("relay.rateBurst", 400)

	viper.SetDefault("resources.baseUrl", "http://localhost:8080")
	viper.SetDefault("resources.dir", "./resources")

	viper.SetDefault("snapshot.dir", "./snapshots")
	viper.SetDefault("snapshot.interval", "5m")
	viper.SetDefault("snapshot.keep", 5)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.sqlite.path", "./scenesync.db")
	viper.SetDefault("storage.sqlite.dumpPath", "")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.flushInterval", "500ms")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "scenesync")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "scenesync")
	viper.SetDefault("influx.backupPath", "")
	viper.SetDefault("monitor.interval", "30s")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "scenesync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetSessionConfig returns the session settings.
func GetSessionConfig() SessionConfig {
	return SessionConfig{
		Room:               viper.GetString("session.room"),
		ClientID:           viper.GetString("session.clientId"),
		TickRate:           viper.GetInt("session.tickRate"),
		PublishRate:        viper.GetFloat64("session.publishRate"),
		ArcLengthSamples:   viper.GetInt("session.arcLengthSamples"),
		ClearRedoOnExecute: viper.GetBool("history.clearRedoOnExecute"),
		GestureTolerance:   viper.GetFloat64("session.gestureTolerance"),
	}
}

// GetRelayConfig returns the relay settings.
func GetRelayConfig() RelayConfig {
	return RelayConfig{
		Listen:           viper.GetString("relay.listen"),
		URL:              viper.GetString("relay.url"),
		Secret:           viper.GetString("relay.secret"),
		AllowedOrigins:   viper.GetStringSlice("relay.allowedOrigins"),
		PresenceTimeout:  viper.GetDuration("relay.presenceTimeout"),
		RateLimit:        viper.GetFloat64("relay.rateLimit"),
		RateBurst:        viper.GetInt("relay.rateBurst"),
		ResourcesBaseURL: viper.GetString("resources.baseUrl"),
		ResourcesDir:     viper.GetString("resources.dir"),
		SnapshotDir:      viper.GetString("snapshot.dir"),
		SnapshotInterval: viper.GetDuration("snapshot.interval"),
		SnapshotKeep:     viper.GetInt("snapshot.keep"),
	}
}

// GetStorageConfig returns the relay persistence settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type:             viper.GetString("storage.type"),
		SqlitePath:       viper.GetString("storage.sqlite.path"),
		SqliteDumpPath:   viper.GetString("storage.sqlite.dumpPath"),
		SqliteDumpPeriod: viper.GetDuration("storage.sqlite.dumpInterval"),
		FlushInterval:    viper.GetDuration("storage.flushInterval"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}
