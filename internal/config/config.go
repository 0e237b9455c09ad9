package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port           int      `mapstructure:"port"`
		PublicBaseURL  string   `mapstructure:"publicBaseURL"` // Externally reachable base URL, used for webhook self-registration
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"server"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	NATS struct {
		URL                 string `mapstructure:"url"`
		ChangeSubjectPrefix string `mapstructure:"changeSubjectPrefix"` // e.g. v1.changes
	} `mapstructure:"nats"`
	Gateway struct {
		BaseURL        string        `mapstructure:"baseURL"`
		APIKey         string        `mapstructure:"apiKey"`
		RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	} `mapstructure:"gateway"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Media struct {
		MaxEncodedBytes int64         `mapstructure:"maxEncodedBytes"` // Hard ceiling for encoded media payloads
		SweepBatchSize  int           `mapstructure:"sweepBatchSize"`
		SweepItemDelay  time.Duration `mapstructure:"sweepItemDelay"`
		SweepSchedule   string        `mapstructure:"sweepSchedule"` // cron spec, empty disables the scheduled sweep
	} `mapstructure:"media"`
	Probe struct {
		ConnectedInterval    time.Duration `mapstructure:"connectedInterval"`
		PairingInterval      time.Duration `mapstructure:"pairingInterval"`
		DisconnectedInterval time.Duration `mapstructure:"disconnectedInterval"`
		CatchUpAfter         time.Duration `mapstructure:"catchUpAfter"`
	} `mapstructure:"probe"`
	WorkerPools struct {
		Media MediaWorkerPoolConfig `mapstructure:"media"`
	} `mapstructure:"workerPools"`
}

// MediaWorkerPoolConfig holds configuration for the media retrieval worker pool
type MediaWorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`   // Number of workers
	QueueSize  int           `mapstructure:"queueSize"`  // Task queue buffer size
	MaxBlock   time.Duration `mapstructure:"maxBlock"`   // Max time to block when submitting if queue full
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // Idle worker expiry time
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)
	v.SetDefault("nats.changeSubjectPrefix", "v1.changes")
	v.SetDefault("gateway.requestTimeout", 30*time.Second)

	// Media pipeline defaults
	v.SetDefault("media.maxEncodedBytes", int64(10*1024*1024))
	v.SetDefault("media.sweepBatchSize", 10)
	v.SetDefault("media.sweepItemDelay", 500*time.Millisecond)

	// Probe cadence defaults
	v.SetDefault("probe.connectedInterval", 10*time.Minute)
	v.SetDefault("probe.pairingInterval", 30*time.Second)
	v.SetDefault("probe.disconnectedInterval", 2*time.Minute)
	v.SetDefault("probe.catchUpAfter", 5*time.Minute)

	// WorkerPools defaults
	v.SetDefault("workerPools.media.poolSize", 8)
	v.SetDefault("workerPools.media.queueSize", 2048)
	v.SetDefault("workerPools.media.maxBlock", time.Second)
	v.SetDefault("workerPools.media.expiryTime", time.Minute)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("/etc/wa-inbox-service")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, env vars can carry everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	}
	if base := os.Getenv("GATEWAY_BASE_URL"); base != "" {
		v.Set("gateway.baseURL", base)
	}
	if key := os.Getenv("GATEWAY_API_KEY"); key != "" {
		v.Set("gateway.apiKey", key)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwtSecret", secret)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(parts, tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
