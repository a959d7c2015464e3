package rediscache

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/joho/godotenv"
	"github.com/mna/rediscache/codec"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of the environment variables read by LoadConfig,
// e.g. REDISCACHE_SERVERS for the "servers" key.
const EnvPrefix = "REDISCACHE"

// Config is the resolved configuration of a Client, as loaded by
// LoadConfig.
type Config struct {
	// Servers is the list of endpoints, the primary first.
	Servers []string

	KeyPrefix string
	Version   int

	// DefaultTimeout is the expiration used when none is given, 0 means no
	// expiration.
	DefaultTimeout time.Duration

	// ReplicaReadOnly must be false for writes to be redirected to replicas
	// when the primary fails.
	ReplicaReadOnly bool

	Serializer        string
	Compressor        string
	CompressMinLength int

	ScanCount       int
	CloseConnection bool

	MaxIdle        int
	MaxActive      int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Password       string
	Database       int

	LogLevel string
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("servers", "localhost:6379")
	v.SetDefault("key-prefix", "")
	v.SetDefault("version", 1)
	v.SetDefault("default-timeout", defaultTimeout)
	v.SetDefault("replica-read-only", true)
	v.SetDefault("serializer", "msgpack")
	v.SetDefault("compressor", "identity")
	v.SetDefault("compress-min-length", codec.DefaultMinLength)
	v.SetDefault("scan-count", 0)
	v.SetDefault("close-connection", false)
	v.SetDefault("max-idle", 8)
	v.SetDefault("max-active", 0)
	v.SetDefault("idle-timeout", 5*time.Minute)
	v.SetDefault("connect-timeout", 5*time.Second)
	v.SetDefault("read-timeout", 0)
	v.SetDefault("write-timeout", 0)
	v.SetDefault("password", "")
	v.SetDefault("database", 0)
	v.SetDefault("log-level", "info")
}

// LoadConfig loads the configuration from v. The .env and .env.local
// files are loaded into the environment if they exist, then v reads the
// environment variables prefixed with EnvPrefix, with dashes replaced by
// underscores. If the "config" key is set, it is read as a configuration
// file. If v is nil, a new viper instance is used.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setConfigDefaults(v)

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("rediscache: read config file: %w", err)
		}
	}

	conf := Config{
		// a list in a config file or a comma-separated string in the env
		Servers:           SplitServers(strings.Join(v.GetStringSlice("servers"), ",")),
		KeyPrefix:         v.GetString("key-prefix"),
		Version:           v.GetInt("version"),
		DefaultTimeout:    v.GetDuration("default-timeout"),
		ReplicaReadOnly:   v.GetBool("replica-read-only"),
		Serializer:        v.GetString("serializer"),
		Compressor:        v.GetString("compressor"),
		CompressMinLength: v.GetInt("compress-min-length"),
		ScanCount:         v.GetInt("scan-count"),
		CloseConnection:   v.GetBool("close-connection"),
		MaxIdle:           v.GetInt("max-idle"),
		MaxActive:         v.GetInt("max-active"),
		IdleTimeout:       v.GetDuration("idle-timeout"),
		ConnectTimeout:    v.GetDuration("connect-timeout"),
		ReadTimeout:       v.GetDuration("read-timeout"),
		WriteTimeout:      v.GetDuration("write-timeout"),
		Password:          v.GetString("password"),
		Database:          v.GetInt("database"),
		LogLevel:          v.GetString("log-level"),
	}
	return conf, conf.Validate()
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Servers, validation.Required),
		validation.Field(&c.Version, validation.Min(0)),
		validation.Field(&c.DefaultTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Serializer, validation.In("", "msgpack", "json", "gob")),
		validation.Field(&c.Compressor, validation.In("", "identity", "zlib", "gzip", "zstd", "lz4", "snappy")),
		validation.Field(&c.CompressMinLength, validation.Min(0)),
		validation.Field(&c.ScanCount, validation.Min(0)),
		validation.Field(&c.MaxIdle, validation.Min(0)),
		validation.Field(&c.MaxActive, validation.Min(0)),
		validation.Field(&c.Database, validation.Min(0)),
		validation.Field(&c.LogLevel, validation.In("", "debug", "info", "warn", "error")),
	)
}

// Logger returns a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if c.LogLevel != "" {
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return nil, err
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// Options returns the client options for the configuration.
func (c Config) Options(logger *slog.Logger) (Options, error) {
	ser, err := codec.SerializerByName(c.Serializer)
	if err != nil {
		return Options{}, err
	}
	cmp, err := codec.CompressorByName(c.Compressor, c.CompressMinLength)
	if err != nil {
		return Options{}, err
	}

	timeout := Forever
	if c.DefaultTimeout > 0 {
		timeout = TTL(c.DefaultTimeout)
	}

	dialOpts := []redis.DialOption{
		redis.DialConnectTimeout(c.ConnectTimeout),
		redis.DialReadTimeout(c.ReadTimeout),
		redis.DialWriteTimeout(c.WriteTimeout),
		redis.DialDatabase(c.Database),
	}
	if c.Password != "" {
		dialOpts = append(dialOpts, redis.DialPassword(c.Password))
	}

	return Options{
		Defaults: Defaults{
			KeyPrefix: c.KeyPrefix,
			Version:   c.Version,
			Timeout:   timeout,
		},
		Codec: codec.New(ser, cmp),
		Factory: &PoolFactory{
			DialOptions: dialOpts,
			MaxIdle:     c.MaxIdle,
			MaxActive:   c.MaxActive,
			IdleTimeout: c.IdleTimeout,
		},
		RedirectWrites:  !c.ReplicaReadOnly,
		CloseConnection: c.CloseConnection,
		ScanCount:       c.ScanCount,
		Logger:          logger,
	}, nil
}

// NewClient creates a Client for the configuration.
func (c Config) NewClient(logger *slog.Logger) (*Client, error) {
	opts, err := c.Options(logger)
	if err != nil {
		return nil, err
	}
	return New(c.Servers, opts)
}
