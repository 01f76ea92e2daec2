package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       *MQTTConfig      `mapstructure:"mqtt"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty DSN
// selects the in-memory store (development mode).
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	Disabled     bool          `mapstructure:"disabled"`
}

// ServiceBusConfig holds the Azure Service Bus settings for outbound fleet
// events.
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
}

// MQTTConfig holds broker settings for the measurement ingestion path.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	MeasurementTopic  string        `mapstructure:"measurement_topic"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// TelemetryConfig bounds the rolling summary windows.
type TelemetryConfig struct {
	WindowSize int           `mapstructure:"window_size"` // max reports per window
	WindowAge  time.Duration `mapstructure:"window_age"`  // max sample age
	MinSamples int           `mapstructure:"min_samples"` // below this: insufficient data
}

// AlertRule is one configured threshold check. Scope dimensions left empty
// apply the rule to every (region, version) pair seen by the aggregator.
type AlertRule struct {
	Metric    string  `mapstructure:"metric"`
	Region    string  `mapstructure:"region"`
	Version   string  `mapstructure:"version"`
	Threshold float64 `mapstructure:"threshold"`
	Above     bool    `mapstructure:"above"` // true: breach when value > threshold
	Severity  string  `mapstructure:"severity"`
}

// AlertsConfig holds the evaluator settings.
type AlertsConfig struct {
	Rules    []AlertRule   `mapstructure:"rules"`
	Interval time.Duration `mapstructure:"interval"` // periodic evaluation; 0 disables
}

// StorageConfig holds settings for the on-disk event journal.
type StorageConfig struct {
	JournalPath  string `mapstructure:"journal_path"`
	RotationSize int64  `mapstructure:"rotation_size"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("FLEET")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.conn_max_idle_time", "10m")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.clean_session", false)
	viper.SetDefault("mqtt.measurement_topic", "fleet/+/measurements")
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("telemetry.window_size", 100)
	viper.SetDefault("telemetry.window_age", "24h")
	viper.SetDefault("telemetry.min_samples", 5)

	viper.SetDefault("alerts.interval", "30s")

	viper.SetDefault("storage.journal_path", "./data/fleet-journal.log")
	viper.SetDefault("storage.rotation_size", 67108864) // 64MB

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
