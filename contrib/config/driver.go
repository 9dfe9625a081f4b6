// Package config loads the messaging core's configuration using Viper.
//
// Sources, in increasing precedence: built-in defaults, a YAML config file,
// environment variables with the RELAY_ prefix. Stream bootstrap servers and
// credentials additionally come straight from the conventional KAFKA_*
// environment variables.
//
// Usage:
//
//	settings, err := config.Load(&config.Config{
//	    ConfigName: "relay",
//	    ConfigPath: "./configs",
//	})
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// QueueQoS is one per-queue throttling record applied before consumption.
type QueueQoS struct {
	Queue         string `mapstructure:"queue" validate:"required"`
	TypeName      string `mapstructure:"type_name"`
	PrefetchSize  int    `mapstructure:"prefetch_size" validate:"min=0"`
	PrefetchCount int    `mapstructure:"prefetch_count" validate:"min=0"`
	Global        bool   `mapstructure:"global"`
	Active        bool   `mapstructure:"active"`
}

// RabbitMQSettings configures the queue broker connection.
type RabbitMQSettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=0"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
}

// URL renders the AMQP dial string.
func (s RabbitMQSettings) URL() string {
	vhost := s.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", s.Username, s.Password, s.Host, s.Port, vhost)
}

// KafkaSettings configures the stream broker connection.
type KafkaSettings struct {
	Brokers  []string `mapstructure:"brokers" validate:"omitempty,min=1"`
	Version  string   `mapstructure:"version"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

// OutboxSettings configures the outbox worker.
type OutboxSettings struct {
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`
}

// SidelogSettings configures the failure sidechannel sinks. Empty fields
// disable the corresponding sink.
type SidelogSettings struct {
	FilePath      string `mapstructure:"file_path"`
	Topic         string `mapstructure:"topic"`
	IndexEndpoint string `mapstructure:"index_endpoint"`
}

// AnnounceSettings configures the startup ServiceStatus announcement.
type AnnounceSettings struct {
	Topic     string `mapstructure:"topic"`
	Host      string `mapstructure:"host"`
	IPAddress string `mapstructure:"ip_address"`
	Port      int    `mapstructure:"port"`
}

// Settings is the full configuration surface of the messaging core.
type Settings struct {
	// NameOfService identifies this service in consumer groups and the
	// stream retry GroupId header.
	NameOfService string `mapstructure:"name_of_service" validate:"required"`

	// ConsumeAsync toggles cooperative asynchronous queue consumption;
	// false means blocking sequential delivery, one in flight per queue.
	ConsumeAsync bool `mapstructure:"consume_async"`

	RabbitMQ RabbitMQSettings `mapstructure:"rabbitmq"`
	Kafka    KafkaSettings    `mapstructure:"kafka"`
	Queues   []QueueQoS       `mapstructure:"queues" validate:"dive"`
	Outbox   OutboxSettings   `mapstructure:"outbox"`
	Sidelog  SidelogSettings  `mapstructure:"sidelog"`
	Announce AnnounceSettings `mapstructure:"announce"`
}

// Config locates the settings file.
type Config struct {
	ConfigName string // file name without extension
	ConfigPath string // directory to search
	ConfigType string // yaml, json, toml
	ConfigFile string // full path, overrides name+path
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ConfigName: "relay",
		ConfigPath: ".",
		ConfigType: "yaml",
	}
}

// Load reads, unmarshals, and validates the settings.
func Load(cfg *Config) (*Settings, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	v := viper.New()
	if cfg.ConfigFile != "" {
		v.SetConfigFile(cfg.ConfigFile)
	} else {
		v.SetConfigName(cfg.ConfigName)
		v.SetConfigType(cfg.ConfigType)
		v.AddConfigPath(cfg.ConfigPath)
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys need a default for AutomaticEnv to surface them through Unmarshal.
	v.SetDefault("name_of_service", "")
	v.SetDefault("consume_async", false)
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("outbox.interval", 3*time.Second)
	v.SetDefault("kafka.version", "2.8.0")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		// Running from env alone is fine.
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyEnv(&s)

	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &s, nil
}

// applyEnv layers the conventional stream broker environment variables on
// top of the file values.
func applyEnv(s *Settings) {
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		s.Kafka.Brokers = splitList(brokers)
	}
	if user := os.Getenv("KAFKA_USERNAME"); user != "" {
		s.Kafka.Username = user
	}
	if pass := os.Getenv("KAFKA_PASSWORD"); pass != "" {
		s.Kafka.Password = pass
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
