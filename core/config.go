package core

import (
	"fmt"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env      string
		AppName  string
		Build    string
		Debug    bool
		TestMode bool
		WorkDir  string

		FrontendBaseURL  string
		DefaultFromEmail mail.Address
		SendgridApiKey   string
		RollbarToken     string

		Server struct {
			DebugHost       string
			ShutdownTimeout time.Duration
		}

		Database struct {
			Engine        string
			Name          string
			User          string
			Password      string
			AdminUser     string
			AdminPassword string
			Host          string
			Port          string
			DisableTLS    bool
		}

		Broker struct {
			URL              string
			Stream           string
			DeadLetterStream string
			MaxRetries       int
			AckWait          time.Duration
			RetryBackoffBase time.Duration
			RetryBackoffMax  time.Duration
			QuotaRetryFloor  time.Duration
			Concurrency      int
			Prefetch         int
		}

		Cache struct {
			RedisAddress  string
			RedisPassword string
			RedisDB       int
			LocalCapacity int
			DefaultTTL    time.Duration
		}

		Extraction struct {
			BaseURL         string
			Timeout         time.Duration
			RequestRetries  int
			ConfidenceFloor float64
			CacheTTL        time.Duration
		}

		Grading struct {
			BaseURL          string
			Model            string
			Temperature      float64
			Seed             int64
			SeedSet          bool
			Timeout          time.Duration
			RequestRetries   int
			CacheTTL         time.Duration
			CacheTempCeiling float64
		}

		StalenessWindow time.Duration
	}
)

func (c *Config) DatabaseAddress() string {
	return net.JoinHostPort(c.Database.Host, c.Database.Port)
}

// LoadConfig loads defaults, an optional config/.env.<env> file and
// environment variables (prefixed with the uppercased env name) in that
// order of precedence, lowest first.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Mwalimu")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("server.debugHost", "0.0.0.0:4000")
	v.SetDefault("server.shutdownTimeout", 20*time.Second)
	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.name", "mwalimu")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("broker.url", "nats://localhost:4222")
	v.SetDefault("broker.stream", "TASKS")
	v.SetDefault("broker.deadLetterStream", "TASKS_DLQ")
	v.SetDefault("broker.maxRetries", 3)
	v.SetDefault("broker.ackWait", 2*time.Minute)
	v.SetDefault("broker.retryBackoffBase", time.Second)
	v.SetDefault("broker.retryBackoffMax", 30*time.Second)
	v.SetDefault("broker.quotaRetryFloor", 30*time.Second)
	v.SetDefault("broker.concurrency", 4)
	v.SetDefault("broker.prefetch", 8)
	v.SetDefault("cache.redisAddress", "")
	v.SetDefault("cache.localCapacity", 1024)
	v.SetDefault("cache.defaultTTL", time.Hour)
	v.SetDefault("extraction.baseURL", "http://localhost:8090")
	v.SetDefault("extraction.timeout", 30*time.Second)
	v.SetDefault("extraction.requestRetries", 2)
	v.SetDefault("extraction.confidenceFloor", 0.8)
	v.SetDefault("extraction.cacheTTL", 24*time.Hour)
	v.SetDefault("grading.baseURL", "http://localhost:11434")
	v.SetDefault("grading.model", "llama3.2")
	v.SetDefault("grading.temperature", 0.1)
	v.SetDefault("grading.timeout", 2*time.Minute)
	v.SetDefault("grading.requestRetries", 2)
	v.SetDefault("grading.cacheTTL", 12*time.Hour)
	v.SetDefault("grading.cacheTempCeiling", 0.2)
	v.SetDefault("stalenessWindow", 30*time.Minute)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}

	workDir := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, errors.Wrapf(err, "config.godotenv(%s)", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "config.os.Stat(%s)", dotEnvPath)
	}

	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	conf := &Config{
		Env:             env,
		AppName:         v.GetString("appName"),
		Build:           v.GetString("build"),
		Debug:           v.GetBool("debug"),
		TestMode:        v.GetBool("testMode"),
		WorkDir:         workDir,
		FrontendBaseURL: v.GetString("frontendBaseURL"),
		DefaultFromEmail: mail.Address{
			Name:    v.GetString("appName"),
			Address: v.GetString("defaultFromEmail"),
		},
		SendgridApiKey:  v.GetString("sendgridApiKey"),
		RollbarToken:    v.GetString("rollbarToken"),
		StalenessWindow: v.GetDuration("stalenessWindow"),
	}
	conf.Server.DebugHost = v.GetString("server.debugHost")
	conf.Server.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")

	conf.Database.Engine = v.GetString("database.engine")
	conf.Database.Name = v.GetString("database.name")
	conf.Database.User = v.GetString("database.user")
	conf.Database.Password = v.GetString("database.password")
	conf.Database.AdminUser = v.GetString("database.adminUser")
	conf.Database.AdminPassword = v.GetString("database.adminPassword")
	conf.Database.Host = v.GetString("database.host")
	conf.Database.Port = v.GetString("database.port")
	conf.Database.DisableTLS = v.GetBool("database.disableTLS")

	conf.Broker.URL = v.GetString("broker.url")
	conf.Broker.Stream = v.GetString("broker.stream")
	conf.Broker.DeadLetterStream = v.GetString("broker.deadLetterStream")
	conf.Broker.MaxRetries = v.GetInt("broker.maxRetries")
	conf.Broker.AckWait = v.GetDuration("broker.ackWait")
	conf.Broker.RetryBackoffBase = v.GetDuration("broker.retryBackoffBase")
	conf.Broker.RetryBackoffMax = v.GetDuration("broker.retryBackoffMax")
	conf.Broker.QuotaRetryFloor = v.GetDuration("broker.quotaRetryFloor")
	conf.Broker.Concurrency = v.GetInt("broker.concurrency")
	conf.Broker.Prefetch = v.GetInt("broker.prefetch")

	conf.Cache.RedisAddress = v.GetString("cache.redisAddress")
	conf.Cache.RedisPassword = v.GetString("cache.redisPassword")
	conf.Cache.RedisDB = v.GetInt("cache.redisDB")
	conf.Cache.LocalCapacity = v.GetInt("cache.localCapacity")
	conf.Cache.DefaultTTL = v.GetDuration("cache.defaultTTL")

	conf.Extraction.BaseURL = v.GetString("extraction.baseURL")
	conf.Extraction.Timeout = v.GetDuration("extraction.timeout")
	conf.Extraction.RequestRetries = v.GetInt("extraction.requestRetries")
	conf.Extraction.ConfidenceFloor = v.GetFloat64("extraction.confidenceFloor")
	conf.Extraction.CacheTTL = v.GetDuration("extraction.cacheTTL")

	conf.Grading.BaseURL = v.GetString("grading.baseURL")
	conf.Grading.Model = v.GetString("grading.model")
	conf.Grading.Temperature = v.GetFloat64("grading.temperature")
	conf.Grading.Seed = v.GetInt64("grading.seed")
	conf.Grading.SeedSet = v.IsSet("grading.seed")
	conf.Grading.Timeout = v.GetDuration("grading.timeout")
	conf.Grading.RequestRetries = v.GetInt("grading.requestRetries")
	conf.Grading.CacheTTL = v.GetDuration("grading.cacheTTL")
	conf.Grading.CacheTempCeiling = v.GetFloat64("grading.cacheTempCeiling")

	if err := conf.check(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) check() error {
	if c.Broker.MaxRetries < 1 {
		return errors.New(fmt.Sprintf("config: broker.maxRetries must be >= 1 (got %d)", c.Broker.MaxRetries))
	}
	if c.Extraction.ConfidenceFloor < 0 || c.Extraction.ConfidenceFloor > 1 {
		return errors.New(fmt.Sprintf("config: extraction.confidenceFloor must be within [0, 1] (got %v)", c.Extraction.ConfidenceFloor))
	}
	if c.Broker.RetryBackoffBase <= 0 || c.Broker.RetryBackoffMax < c.Broker.RetryBackoffBase {
		return errors.New("config: invalid broker backoff bounds")
	}
	return nil
}
