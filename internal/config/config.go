// Package config provides configuration loading for the zonemind daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Auth            AuthConfig            `mapstructure:"auth"`
	TaskQueue       TaskQueueConfig       `mapstructure:"task_queue"`
	ArtifactStorage ArtifactStorageConfig `mapstructure:"artifact_storage"`
	SystemLogs      SystemLogsConfig      `mapstructure:"system_logs"`
	Provisioning    ProvisioningConfig    `mapstructure:"provisioning"`
	HostMonitoring  HostMonitoringConfig  `mapstructure:"host_monitoring"`
}

// ServerConfig holds HTTP server configuration. Read and write timeouts of
// zero disable the server-level deadlines; artifact streaming, uploads, and
// WebSocket log sessions run longer than any sane fixed value, so the JSON
// API is bounded by per-route timeout middleware instead.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	Host              string        `mapstructure:"host"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	Environment       string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. Redis backs the rate limiter and is
// optional; with Enabled=false the middleware is skipped entirely.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds API key authentication configuration. Each key maps to a
// principal name recorded as created_by on tasks.
type AuthConfig struct {
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// TaskQueueConfig holds tunables for the task scheduler.
type TaskQueueConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	GlobalMaxRunning   int           `mapstructure:"global_max_running"`
	DownloadMaxRunning int           `mapstructure:"download_max_running"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap"`
	StaleGracePeriod   time.Duration `mapstructure:"stale_grace_period"`
	StaleSweepInterval time.Duration `mapstructure:"stale_sweep_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	FailedRetention    time.Duration `mapstructure:"failed_retention"`
}

// ArtifactStorageConfig holds the artifact subsystem configuration.
type ArtifactStorageConfig struct {
	Enabled  bool                   `mapstructure:"enabled"`
	Download ArtifactDownloadConfig `mapstructure:"download"`
	Scanning ArtifactScanningConfig `mapstructure:"scanning"`
	Upload   ArtifactUploadConfig   `mapstructure:"upload"`
}

// ArtifactDownloadConfig controls URL downloads.
type ArtifactDownloadConfig struct {
	TimeoutSeconds        int `mapstructure:"timeout_seconds"`
	StreamTimeoutSeconds  int `mapstructure:"stream_timeout_seconds"`
	ProgressUpdateSeconds int `mapstructure:"progress_update_seconds"`
}

// ArtifactScanningConfig controls location scans.
type ArtifactScanningConfig struct {
	SupportedExtensions map[string][]string `mapstructure:"supported_extensions"`
	BatchSize           int                 `mapstructure:"batch_size"`
}

// ArtifactUploadConfig controls multipart upload staging.
type ArtifactUploadConfig struct {
	StagingDir string `mapstructure:"staging_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
}

// SystemLogsConfig holds log streaming configuration.
type SystemLogsConfig struct {
	Enabled              bool               `mapstructure:"enabled"`
	AllowedPaths         []string           `mapstructure:"allowed_paths"`
	MaxConcurrentStreams int                `mapstructure:"max_concurrent_streams"`
	Security             SystemLogsSecurity `mapstructure:"security"`
}

// SystemLogsSecurity restricts which files may be streamed.
type SystemLogsSecurity struct {
	MaxFileSizeMB     int      `mapstructure:"max_file_size_mb"`
	ForbiddenPatterns []string `mapstructure:"forbidden_patterns"`
}

// ProvisioningConfig holds zone provisioning configuration.
type ProvisioningConfig struct {
	SSH          ProvisioningSSHConfig `mapstructure:"ssh"`
	DatasetBase  string                `mapstructure:"dataset_base"`
	MountBase    string                `mapstructure:"mount_base"`
	ServiceUser  string                `mapstructure:"service_user"`
	ServiceGroup string                `mapstructure:"service_group"`
}

// ProvisioningSSHConfig controls SSH access to zones.
type ProvisioningSSHConfig struct {
	KeyPath             string `mapstructure:"key_path"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// HostMonitoringConfig holds host status collection configuration.
type HostMonitoringConfig struct {
	Performance HostPerformanceConfig `mapstructure:"performance"`
}

// HostPerformanceConfig controls monitoring command execution.
type HostPerformanceConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/zonemind")

	// Enable environment variable override
	v.SetEnvPrefix("ZONEMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Explicitly bind nested keys viper's AutomaticEnv misses
	v.BindEnv("database.host", "ZONEMIND_DATABASE_HOST")
	v.BindEnv("database.password", "ZONEMIND_DATABASE_PASSWORD")
	v.BindEnv("redis.enabled", "ZONEMIND_REDIS_ENABLED")
	v.BindEnv("redis.password", "ZONEMIND_REDIS_PASSWORD")
	v.BindEnv("provisioning.ssh.key_path", "ZONEMIND_PROVISIONING_SSH_KEY_PATH")
	v.BindEnv("provisioning.dataset_base", "ZONEMIND_PROVISIONING_DATASET_BASE")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "0")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.write_timeout", "0")
	v.SetDefault("server.environment", "prod")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "zonemind")
	v.SetDefault("database.password", "zonemind")
	v.SetDefault("database.database", "zonemind")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Task queue defaults
	v.SetDefault("task_queue.tick_interval", "500ms")
	v.SetDefault("task_queue.global_max_running", 8)
	v.SetDefault("task_queue.download_max_running", 3)
	v.SetDefault("task_queue.max_attempts", 3)
	v.SetDefault("task_queue.backoff_base", "2s")
	v.SetDefault("task_queue.backoff_cap", "5m")
	v.SetDefault("task_queue.stale_grace_period", "10m")
	v.SetDefault("task_queue.stale_sweep_interval", "5m")
	v.SetDefault("task_queue.cleanup_interval", "1h")
	v.SetDefault("task_queue.completed_retention", "168h") // 7 days
	v.SetDefault("task_queue.failed_retention", "720h")    // 30 days

	// Artifact storage defaults
	v.SetDefault("artifact_storage.enabled", true)
	v.SetDefault("artifact_storage.download.timeout_seconds", 60)
	v.SetDefault("artifact_storage.download.stream_timeout_seconds", 1800)
	v.SetDefault("artifact_storage.download.progress_update_seconds", 3)
	v.SetDefault("artifact_storage.scanning.batch_size", 100)
	v.SetDefault("artifact_storage.scanning.supported_extensions", map[string][]string{
		"iso":          {".iso"},
		"image":        {".img", ".raw", ".qcow2", ".vmdk", ".vhd", ".vhdx", ".zvol"},
		"provisioning": {".tar.gz", ".tgz", ".tar"},
	})
	v.SetDefault("artifact_storage.upload.staging_dir", "/var/tmp/zonemind/uploads")
	v.SetDefault("artifact_storage.upload.max_size_mb", 8192)

	// System logs defaults
	v.SetDefault("system_logs.enabled", true)
	v.SetDefault("system_logs.allowed_paths", []string{"/var/log", "/var/adm", "/var/svc/log"})
	v.SetDefault("system_logs.max_concurrent_streams", 10)
	v.SetDefault("system_logs.security.max_file_size_mb", 100)
	v.SetDefault("system_logs.security.forbidden_patterns", []string{"*shadow*", "*passwd*", "*.key", "*.pem"})

	// Provisioning defaults
	v.SetDefault("provisioning.ssh.key_path", "/etc/zonemind/keys/provisioning")
	v.SetDefault("provisioning.ssh.timeout_seconds", 300)
	v.SetDefault("provisioning.ssh.poll_interval_seconds", 5)
	v.SetDefault("provisioning.dataset_base", "rpool/zonemind/provisioning")
	v.SetDefault("provisioning.mount_base", "/zonemind/provisioning")
	v.SetDefault("provisioning.service_user", "zonemind")
	v.SetDefault("provisioning.service_group", "zonemind")

	// Host monitoring defaults
	v.SetDefault("host_monitoring.performance.command_timeout", "30s")
	v.SetDefault("host_monitoring.performance.batch_size", 100)
}
