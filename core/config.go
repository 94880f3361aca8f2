package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env              string
		Debug            bool
		TestMode         bool
		AppName          string
		Build            string
		SecretKey        string
		RollbarToken     string
		SendgridApiKey   string
		defaultFromEmail string

		Server   ServerConfig
		Database DatabaseConfig
		Remote   RemoteConfig
		Sync     SyncConfig
		Alerts   AlertsConfig
		Backup   BackupConfig
	}

	ServerConfig struct {
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string // sqlite | postgres
		Path          string // sqlite only
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RemoteConfig struct {
		BaseURL    string
		APIKey     string
		Timeout    time.Duration
		ProbeTable string
	}

	SyncConfig struct {
		PollInterval    time.Duration
		ProbeTimeout    time.Duration
		RetentionWindow time.Duration
	}

	AlertsConfig struct {
		OperatorEmails []string
	}

	BackupConfig struct {
		Bucket          string
		Region          string
		Prefix          string
		Endpoint        string // S3-compatible stores
		AccessKeyID     string
		SecretAccessKey string
	}
)

const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c DatabaseConfig) IsSQLite() bool {
	return c.Engine == "" || c.Engine == EngineSQLite
}

func (c *Config) DefaultFromEmail() mail.Address {
	addr, err := mail.ParseAddress(c.defaultFromEmail)
	if err != nil {
		return mail.Address{Address: c.defaultFromEmail}
	}
	return *addr
}

// NewConfig loads the app configuration from the environment
// (and from `config/.env.<env>` when it exists).
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Feeledger")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "w3q!9x_lq2#c8m$h0s+fe5=ledger)kq1@uv7^r4t&b")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("defaultFromEmail", "Feeledger <noreply@localhost>")

	v.SetDefault("server.host", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)

	v.SetDefault("database.engine", EngineSQLite)
	v.SetDefault("database.path", "feeledger.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "feeledger")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.adminUser", "")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", false)

	v.SetDefault("remote.baseURL", "")
	v.SetDefault("remote.apiKey", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.probeTable", "schools")

	v.SetDefault("sync.pollInterval", 30*time.Second)
	v.SetDefault("sync.probeTimeout", 5*time.Second)
	v.SetDefault("sync.retentionWindow", 24*time.Hour)

	v.SetDefault("alerts.operatorEmails", []string{})

	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.region", "us-east-1")
	v.SetDefault("backup.prefix", "feeledger/")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.accessKeyID", "")
	v.SetDefault("backup.secretAccessKey", "")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		Env:              env,
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		AppName:          v.GetString("appName"),
		Build:            v.GetString("build"),
		SecretKey:        v.GetString("secretKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:               v.GetString("server.host"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        strings.ToLower(v.GetString("database.engine")),
			Path:          v.GetString("database.path"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Remote: RemoteConfig{
			BaseURL:    strings.TrimRight(v.GetString("remote.baseURL"), "/"),
			APIKey:     v.GetString("remote.apiKey"),
			Timeout:    v.GetDuration("remote.timeout"),
			ProbeTable: v.GetString("remote.probeTable"),
		},
		Sync: SyncConfig{
			PollInterval:    v.GetDuration("sync.pollInterval"),
			ProbeTimeout:    v.GetDuration("sync.probeTimeout"),
			RetentionWindow: v.GetDuration("sync.retentionWindow"),
		},
		Alerts: AlertsConfig{
			OperatorEmails: v.GetStringSlice("alerts.operatorEmails"),
		},
		Backup: BackupConfig{
			Bucket:          v.GetString("backup.bucket"),
			Region:          v.GetString("backup.region"),
			Prefix:          v.GetString("backup.prefix"),
			Endpoint:        v.GetString("backup.endpoint"),
			AccessKeyID:     v.GetString("backup.accessKeyID"),
			SecretAccessKey: v.GetString("backup.secretAccessKey"),
		},
	}
}

// NewTestConfig returns a Config suitable for unit tests: debug off, in-memory SQLite.
func NewTestConfig() *Config {
	return &Config{
		Env:              "TEST",
		TestMode:         true,
		AppName:          "Feeledger",
		Build:            "test",
		SecretKey:        "test-secret",
		defaultFromEmail: "Feeledger <noreply@test.local>",
		Server: ServerConfig{
			Host:               ":0",
			ShutdownTimeout:    time.Second,
			JWTExpirationDelta: time.Hour,
		},
		Database: DatabaseConfig{Engine: EngineSQLite, Path: ":memory:"},
		Remote:   RemoteConfig{Timeout: 2 * time.Second, ProbeTable: "schools"},
		Sync: SyncConfig{
			PollInterval:    time.Second,
			ProbeTimeout:    time.Second,
			RetentionWindow: 24 * time.Hour,
		},
		Alerts: AlertsConfig{OperatorEmails: []string{"ops@test.local"}},
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s[%s] env=%s db=%s", c.AppName, c.Build, c.Env, c.Database.Engine)
}
