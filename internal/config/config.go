package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tejusbharadwaj/vuecollect/internal/collector"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

// ErrInvalid is returned when the configuration cannot be used.
var ErrInvalid = errors.New("invalid configuration")

const (
	SinkInfluxDB    = "influxdb"
	SinkTimescaleDB = "timescaledb"

	redacted = "****"
)

// Config holds all configuration for our application
type Config struct {
	Sink     string          `mapstructure:"sink" yaml:"sink"`
	InfluxDB InfluxConfig    `mapstructure:"influxDb" yaml:"influxDb"`
	Database DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`

	UpdateIntervalSecs         int    `mapstructure:"updateIntervalSecs" yaml:"updateIntervalSecs"`
	DetailedIntervalSecs       int    `mapstructure:"detailedIntervalSecs" yaml:"detailedIntervalSecs"`
	DetailedDataEnabled        bool   `mapstructure:"detailedDataEnabled" yaml:"detailedDataEnabled"`
	DetailedDataSecondsEnabled bool   `mapstructure:"detailedDataSecondsEnabled" yaml:"detailedDataSecondsEnabled"`
	DetailedDataHoursEnabled   bool   `mapstructure:"detailedDataHoursEnabled" yaml:"detailedDataHoursEnabled"`
	LagSecs                    int    `mapstructure:"lagSecs" yaml:"lagSecs"`
	Timezone                   string `mapstructure:"timezone" yaml:"timezone"`
	MaxHistoryDays             int    `mapstructure:"maxHistoryDays" yaml:"maxHistoryDays"`
	AddStationField            bool   `mapstructure:"addStationField" yaml:"addStationField"`

	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`
	MQTT    MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
}

// InfluxConfig covers both InfluxDB versions. URL, Token, Org and Bucket
// apply to version 2; Host through Database to version 1.
type InfluxConfig struct {
	Version   int    `mapstructure:"version" yaml:"version"`
	URL       string `mapstructure:"url" yaml:"url"`
	Token     string `mapstructure:"token" yaml:"token"`
	Org       string `mapstructure:"org" yaml:"org"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	User      string `mapstructure:"user" yaml:"user"`
	Pass      string `mapstructure:"pass" yaml:"pass"`
	Database  string `mapstructure:"database" yaml:"database"`
	SSLEnable bool   `mapstructure:"ssl_enable" yaml:"ssl_enable"`
	SSLVerify bool   `mapstructure:"ssl_verify" yaml:"ssl_verify"`

	TagName        string `mapstructure:"tagName" yaml:"tagName"`
	TagValueSecond string `mapstructure:"tagValue_second" yaml:"tagValue_second"`
	TagValueMinute string `mapstructure:"tagValue_minute" yaml:"tagValue_minute"`
	TagValueHour   string `mapstructure:"tagValue_hour" yaml:"tagValue_hour"`
	TagValueDay    string `mapstructure:"tagValue_day" yaml:"tagValue_day"`
}

type DatabaseConfig struct {
	Host              string `mapstructure:"host" yaml:"host"`
	Port              int    `mapstructure:"port" yaml:"port"`
	Name              string `mapstructure:"name" yaml:"name"`
	User              string `mapstructure:"user" yaml:"user"`
	Password          string `mapstructure:"password" yaml:"password"`
	SSLMode           string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	ConnectionTimeout int    `mapstructure:"connection_timeout" yaml:"connection_timeout"`
}

// AccountConfig is one metering account.
type AccountConfig struct {
	Name    string         `mapstructure:"name" yaml:"name"`
	Token   string         `mapstructure:"token" yaml:"token"`
	Devices []DeviceConfig `mapstructure:"devices" yaml:"devices"`
}

// DeviceConfig renames the channels of one device. Channels is either a
// list of names in channel order or a map of channel number to name.
type DeviceConfig struct {
	Name     string      `mapstructure:"name" yaml:"name"`
	Channels interface{} `mapstructure:"channels" yaml:"channels"`
}

type APIConfig struct {
	BaseURL         string  `mapstructure:"baseUrl" yaml:"baseUrl"`
	TimeoutSecs     int     `mapstructure:"timeoutSecs" yaml:"timeoutSecs"`
	RateLimit       float64 `mapstructure:"rateLimit" yaml:"rateLimit"`
	RateLimitBurst  int     `mapstructure:"rateLimitBurst" yaml:"rateLimitBurst"`
	DeviceCacheSize int     `mapstructure:"deviceCacheSize" yaml:"deviceCacheSize"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

type HealthConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Addr           string  `mapstructure:"addr" yaml:"addr"`
	RateLimit      float64 `mapstructure:"rateLimit" yaml:"rateLimit"`
	RateLimitBurst int     `mapstructure:"rateLimitBurst" yaml:"rateLimitBurst"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"clientId" yaml:"clientId"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	TopicPrefix string `mapstructure:"topicPrefix" yaml:"topicPrefix"`
	QoS         int    `mapstructure:"qos" yaml:"qos"`
	Retained    bool   `mapstructure:"retained" yaml:"retained"`
	SSLVerify   bool   `mapstructure:"ssl_verify" yaml:"ssl_verify"`
}

// Load reads configuration from a JSON or YAML file. Environment variables
// referenced as $VAR are expanded, and a .env file next to the config is
// loaded first when present. VUECOLLECT_* variables override file values.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix("VUECOLLECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(strings.NewReader(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sink", SinkInfluxDB)

	v.SetDefault("influxDb.version", 1)
	v.SetDefault("influxDb.port", 8086)
	v.SetDefault("influxDb.ssl_verify", true)
	v.SetDefault("influxDb.tagName", "detailed")
	v.SetDefault("influxDb.tagValue_second", "True")
	v.SetDefault("influxDb.tagValue_minute", "False")
	v.SetDefault("influxDb.tagValue_hour", "Hour")
	v.SetDefault("influxDb.tagValue_day", "Day")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.connection_timeout", 5)

	v.SetDefault("updateIntervalSecs", 60)
	v.SetDefault("detailedIntervalSecs", 3600)
	v.SetDefault("detailedDataEnabled", false)
	v.SetDefault("detailedDataSecondsEnabled", true)
	v.SetDefault("detailedDataHoursEnabled", true)
	v.SetDefault("lagSecs", 5)
	v.SetDefault("maxHistoryDays", 720)
	v.SetDefault("addStationField", false)

	v.SetDefault("api.timeoutSecs", 30)
	v.SetDefault("api.rateLimit", 2.0)
	v.SetDefault("api.rateLimitBurst", 5)
	v.SetDefault("api.deviceCacheSize", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("health.addr", ":50051")
	v.SetDefault("health.rateLimit", 5.0)
	v.SetDefault("health.rateLimitBurst", 10)

	v.SetDefault("mqtt.clientId", "vuecollect")
	v.SetDefault("mqtt.topicPrefix", "vuecollect")
	v.SetDefault("mqtt.ssl_verify", true)
}

// Validate rejects configurations the collector cannot start with.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("%w: no accounts configured", ErrInvalid)
	}
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("%w: account %d has no name", ErrInvalid, i)
		}
		if a.Token == "" {
			return fmt.Errorf("%w: account %q has no token", ErrInvalid, a.Name)
		}
		if _, err := a.Overrides(); err != nil {
			return fmt.Errorf("%w: account %q: %v", ErrInvalid, a.Name, err)
		}
	}

	switch c.Sink {
	case SinkInfluxDB:
		if err := c.InfluxDB.validate(); err != nil {
			return err
		}
	case SinkTimescaleDB:
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("%w: database.host and database.name are required for timescaledb", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown sink %q", ErrInvalid, c.Sink)
	}

	if c.UpdateIntervalSecs <= 0 {
		return fmt.Errorf("%w: updateIntervalSecs must be positive", ErrInvalid)
	}
	if c.DetailedIntervalSecs < 0 || (c.DetailedDataEnabled && c.DetailedIntervalSecs == 0) {
		return fmt.Errorf("%w: detailedIntervalSecs must be positive when detailed data is enabled", ErrInvalid)
	}
	if c.LagSecs < 0 || c.MaxHistoryDays < 0 {
		return fmt.Errorf("%w: lagSecs and maxHistoryDays must not be negative", ErrInvalid)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid)
	}
	return nil
}

func (c InfluxConfig) validate() error {
	switch c.Version {
	case 1:
		if c.Host == "" || c.Database == "" {
			return fmt.Errorf("%w: influxDb.host and influxDb.database are required for version 1", ErrInvalid)
		}
	case 2:
		if c.URL == "" || c.Token == "" || c.Org == "" || c.Bucket == "" {
			return fmt.Errorf("%w: influxDb url, token, org and bucket are required for version 2", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported influxDb.version %d", ErrInvalid, c.Version)
	}
	return nil
}

// Location returns the configured timezone. An empty value or "TZ" selects
// the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "TZ") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// TagScheme returns the granularity tag configuration.
func (c InfluxConfig) TagScheme() models.TagScheme {
	return models.TagScheme{
		Name:   c.TagName,
		Second: c.TagValueSecond,
		Minute: c.TagValueMinute,
		Hour:   c.TagValueHour,
		Day:    c.TagValueDay,
	}
}

// ConnString builds the lib/pq connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode, d.ConnectionTimeout,
	)
}

// SecondsEnabled reports whether second data is collected.
func (c *Config) SecondsEnabled() bool {
	return c.DetailedDataEnabled && c.DetailedDataSecondsEnabled
}

// HoursEnabled reports whether hour data is collected.
func (c *Config) HoursEnabled() bool {
	return c.DetailedDataEnabled && c.DetailedDataHoursEnabled
}

// Overrides converts the device entries into channel-name overrides.
func (a AccountConfig) Overrides() ([]collector.DeviceOverride, error) {
	out := make([]collector.DeviceOverride, 0, len(a.Devices))
	for _, d := range a.Devices {
		o := collector.DeviceOverride{Name: d.Name}
		switch ch := d.Channels.(type) {
		case nil:
		case []interface{}:
			for _, name := range ch {
				o.ChannelList = append(o.ChannelList, fmt.Sprint(name))
			}
		case []string:
			o.ChannelList = append(o.ChannelList, ch...)
		case map[string]interface{}:
			o.ChannelMap = make(map[string]string, len(ch))
			for num, name := range ch {
				o.ChannelMap[num] = fmt.Sprint(name)
			}
		case map[interface{}]interface{}:
			o.ChannelMap = make(map[string]string, len(ch))
			for num, name := range ch {
				o.ChannelMap[fmt.Sprint(num)] = fmt.Sprint(name)
			}
		default:
			return nil, fmt.Errorf("device %q: channels must be a list or a map, got %T", d.Name, d.Channels)
		}
		out = append(out, o)
	}
	return out, nil
}

// Redacted renders the effective configuration as YAML with every secret
// masked.
func (c Config) Redacted() string {
	c.InfluxDB.Token = mask(c.InfluxDB.Token)
	c.InfluxDB.Pass = mask(c.InfluxDB.Pass)
	c.Database.Password = mask(c.Database.Password)
	c.MQTT.Password = mask(c.MQTT.Password)

	accounts := make([]AccountConfig, len(c.Accounts))
	for i, a := range c.Accounts {
		a.Token = mask(a.Token)
		a.Devices = nil
		accounts[i] = a
	}
	c.Accounts = accounts

	out, err := yaml.Marshal(c)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(out)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}
