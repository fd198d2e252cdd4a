package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const (
	BackplaneRedis  = "redis"
	BackplaneKafka  = "kafka"
	BackplaneNATS   = "nats"
	BackplaneMemory = "memory"

	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port             string   `env:"PORT" envDefault:"8082"`
	Environment      string   `env:"ENVIRONMENT" envDefault:"development"`
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	AllowCredentials bool     `env:"ALLOW_CREDENTIALS" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// InstanceID identifies this process on the backplane. Generated when
	// unset. The kafka driver derives its consumer group from it, so set it
	// to a stable value there or every restart leaves a group behind.
	InstanceID string `env:"INSTANCE_ID"`
	// InstanceIDGenerated reports that InstanceID was not configured.
	InstanceIDGenerated bool

	BackplaneDriver   string        `env:"BACKPLANE_DRIVER" envDefault:"redis"`
	PublishTimeout    time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"2s"`
	BackplaneRetryMax time.Duration `env:"BACKPLANE_RETRY_MAX" envDefault:"30s"`
	PresenceTTL       time.Duration `env:"PRESENCE_TTL" envDefault:"60s"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaGroupPrefix string   `env:"KAFKA_GROUP_PREFIX" envDefault:"support-chat-ws"`
	KafkaTopicPrefix string   `env:"KAFKA_TOPIC_PREFIX" envDefault:"support-chat"`

	NATSServers       []string `env:"NATS_SERVERS" envDefault:"nats://127.0.0.1:4222" envSeparator:","`
	NATSName          string   `env:"NATS_NAME" envDefault:"support-chat-ws"`
	NATSSubjectPrefix string   `env:"NATS_SUBJECT_PREFIX" envDefault:"support-chat"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`

	// EmployeeSeed lists "employee_id:shop_id" pairs loaded into the store at
	// startup.
	EmployeeSeed []string `env:"EMPLOYEE_SEED" envSeparator:","`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"12h"`
}

// EmployeeSeed is one employee-to-shop membership.
type EmployeeSeed struct {
	EmployeeID int64
	ShopID     int64
}

// LoadConfig parses the environment into a Config and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	for i, broker := range cfg.KafkaBrokers {
		cfg.KafkaBrokers[i] = strings.TrimSpace(broker)
	}
	for i, server := range cfg.NATSServers {
		cfg.NATSServers[i] = strings.TrimSpace(server)
	}
	for i, entry := range cfg.EmployeeSeed {
		cfg.EmployeeSeed[i] = strings.TrimSpace(entry)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		cfg.InstanceIDGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result error

	if c.Port == "" {
		result = multierror.Append(result, fmt.Errorf("PORT is required"))
	}
	if c.JWTSecret == "" {
		result = multierror.Append(result, fmt.Errorf("JWT_SECRET is required"))
	}

	switch c.BackplaneDriver {
	case BackplaneRedis, BackplaneMemory:
	case BackplaneKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaBrokers[0] == "" {
			result = multierror.Append(result, fmt.Errorf("KAFKA_BROKERS is required for the kafka backplane"))
		}
	case BackplaneNATS:
		if len(c.NATSServers) == 0 || c.NATSServers[0] == "" {
			result = multierror.Append(result, fmt.Errorf("NATS_SERVERS is required for the nats backplane"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown BACKPLANE_DRIVER %q", c.BackplaneDriver))
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			result = multierror.Append(result, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.PublishTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("PUBLISH_TIMEOUT must be positive"))
	}
	if _, err := c.Seeds(); err != nil {
		result = multierror.Append(result, err)
	}

	return result
}

// Seeds parses EmployeeSeed.
func (c *Config) Seeds() ([]EmployeeSeed, error) {
	seeds := make([]EmployeeSeed, 0, len(c.EmployeeSeed))
	for _, entry := range c.EmployeeSeed {
		if entry == "" {
			continue
		}
		employee, shop, found := strings.Cut(entry, ":")
		if !found {
			return nil, fmt.Errorf("EMPLOYEE_SEED entry %q must be employee_id:shop_id", entry)
		}
		employeeID, err := strconv.ParseInt(strings.TrimSpace(employee), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("EMPLOYEE_SEED entry %q: invalid employee id", entry)
		}
		shopID, err := strconv.ParseInt(strings.TrimSpace(shop), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("EMPLOYEE_SEED entry %q: invalid shop id", entry)
		}
		seeds = append(seeds, EmployeeSeed{EmployeeID: employeeID, ShopID: shopID})
	}
	return seeds, nil
}

// RedisAddr returns host:port of the redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
