package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ENRICHFLOW_STAGE_NAME.
const EnvPrefix = "ENRICHFLOW"

// Defaults reproduces the reference deployment: the north-east stage reading
// start_migration and writing depart_ne with Boston air quality.
func Defaults() map[string]any {
	return map[string]any{
		"pubsub_system":               "channel",
		"kafka_brokers":               []string{},
		"kafka_client_id":             "enrichflow",
		"kafka_consumer_group":        "enrichflow",
		"rabbitmq_url":                "",
		"nats_url":                    "",
		"nats_client_name":            "enrichflow",
		"http_server_address":         "",
		"http_publisher_url":          "",
		"aws_region":                  "",
		"aws_account_id":              "",
		"aws_access_key_id":           "",
		"aws_secret_access_key":       "",
		"aws_endpoint":                "",
		"stage_name":                  "NORTHEAST",
		"stage_version":               "1",
		"arrival_field":               "ne_arrival",
		"consume_queue":               "start_migration",
		"publish_queue":               "depart_ne",
		"telemetry_topic":             "",
		"poison_queue":                "",
		"air_quality_base_url":        "http://api.airvisual.com/v2/city",
		"air_quality_api_key":         "",
		"air_quality_city":            "Boston",
		"air_quality_state":           "Massachusetts",
		"air_quality_country":         "USA",
		"air_quality_timeout":         "0s",
		"air_quality_cache_ttl":       "0s",
		"redis_addr":                  "",
		"redis_password":              "",
		"redis_db":                    0,
		"retry_max_retries":           3,
		"retry_initial_interval":      "200ms",
		"retry_max_interval":          "5s",
		"metrics_enabled":             false,
		"metrics_port":                9090,
		"status_enabled":              false,
		"status_port":                 8081,
		"status_cors_allowed_origins": []string{},
		"log_level":                   "info",
		"log_format":                  "json",
	}
}

// Load builds a Config from defaults, an optional YAML file and ENRICHFLOW_*
// environment variables, in increasing order of precedence. A missing file is
// only an error when configPath was given explicitly.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("enrichflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/enrichflow")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
