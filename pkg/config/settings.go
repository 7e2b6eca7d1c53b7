package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database        DbSettings           `mapstructure:"database"`
	Broker          BrokerSettings       `mapstructure:"broker"`
	Relay           RelaySettings        `mapstructure:"relay"`
	Consumer        ConsumerSettings     `mapstructure:"consumer"`
	Scheduler       SchedulerSettings    `mapstructure:"scheduler"`
	Compensation    CompensationSettings `mapstructure:"compensation"`
	DeadLetterTopic string               `mapstructure:"dead_letter_topic"`
	Observability   Observability        `mapstructure:"observability"` // Observability settings
}

// RelaySettings controls the outbox relay loop.
type RelaySettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"` // publish attempts before an entry is flagged failed
}

// ConsumerSettings controls the orchestrator consumer pool.
type ConsumerSettings struct {
	Group           string        `mapstructure:"group"`
	Workers         int           `mapstructure:"workers"`
	ParkDelay       time.Duration `mapstructure:"park_delay"`        // delay before an unroutable event is redelivered
	MaxParkAttempts int           `mapstructure:"max_park_attempts"` // redeliveries before dead-lettering
}

// SchedulerSettings controls the timeout scan loop.
type SchedulerSettings struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// CompensationSettings controls retry of failed compensation commands.
type CompensationSettings struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`  // attempts before escalating to manual intervention
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // initial backoff duration, doubled per attempt
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("saga")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "saga."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging dev config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SAGA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like SAGA_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("relay.poll_interval")
	viper.BindEnv("relay.batch_size")
	viper.BindEnv("relay.max_attempts")
	viper.BindEnv("consumer.group")
	viper.BindEnv("consumer.workers")
	viper.BindEnv("consumer.park_delay")
	viper.BindEnv("consumer.max_park_attempts")
	viper.BindEnv("scheduler.scan_interval")
	viper.BindEnv("scheduler.batch_size")
	viper.BindEnv("compensation.max_attempts")
	viper.BindEnv("compensation.retry_backoff")
	viper.BindEnv("dead_letter_topic")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
