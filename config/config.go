package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Engine   EngineConfig   `yaml:"engine"`
	Worker   WorkerConfig   `yaml:"worker"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	password := d.Password
	if env := os.Getenv("DATABASE_PASSWORD"); env != "" {
		password = env
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	GroupID            string   `yaml:"group_id"`
}

// EngineConfig carries the consistency engine's business parameters. The
// amount tolerance is deliberately configuration, not a constant; the right
// value is a product decision.
type EngineConfig struct {
	AmountTolerance            float64 `yaml:"amount_tolerance"`
	IdempotencyTTLMinutes      int     `yaml:"idempotency_ttl_minutes"`
	PendingVerificationMinutes int     `yaml:"pending_verification_minutes"`
	CommitTimeoutSeconds       int     `yaml:"commit_timeout_seconds"`
}

type WorkerConfig struct {
	SweepMinutes         int    `yaml:"sweep_minutes"`
	ReconcileCron        string `yaml:"reconcile_cron"`
	ReconcileWindowHours int    `yaml:"reconcile_window_hours"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.AmountTolerance == 0 {
		c.Engine.AmountTolerance = 1.00
	}
	if c.Engine.IdempotencyTTLMinutes == 0 {
		c.Engine.IdempotencyTTLMinutes = 5
	}
	if c.Engine.PendingVerificationMinutes == 0 {
		c.Engine.PendingVerificationMinutes = 30
	}
	if c.Engine.CommitTimeoutSeconds == 0 {
		c.Engine.CommitTimeoutSeconds = 10
	}
	if c.Worker.SweepMinutes == 0 {
		c.Worker.SweepMinutes = 5
	}
	if c.Worker.ReconcileCron == "" {
		c.Worker.ReconcileCron = "0 3 * * *"
	}
	if c.Worker.ReconcileWindowHours == 0 {
		c.Worker.ReconcileWindowHours = 24
	}
}
