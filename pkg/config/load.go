package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file and from
// environment variables with the TASKPOOL_ prefix. Environment
// variables take precedence over file values, which take precedence
// over defaults. Nested keys map to underscores, e.g.
// TASKPOOL_POOL_WORKER_COUNT. Returns a populated Config or an error
// when loading or validation fails.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("TASKPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.worker_count", 2)
	v.SetDefault("pool.shutdown_timeout", 120*time.Second)
	v.SetDefault("pool.worker_startup_timeout", 60*time.Second)
	v.SetDefault("pool.stagger_delay", 2*time.Second)
	v.SetDefault("pool.poll_interval", 500*time.Millisecond)
	v.SetDefault("pool.heartbeat_timeout", 300*time.Second)
	v.SetDefault("pool.health_check_interval", 5*time.Second)
	v.SetDefault("pool.coordinator_interval", 30*time.Second)
	v.SetDefault("pool.global_restart_cooldown", 60*time.Second)
	v.SetDefault("pool.memory_threshold_mb", 0)
	v.SetDefault("pool.finalize_interval", 0)
	v.SetDefault("pool.keep_profiles_on_exit", false)

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_delay", 2*time.Second)
	v.SetDefault("queue.key_field", "key")
	v.SetDefault("queue.required_fields", []string{})

	v.SetDefault("profiles.root", "./profiles")
	v.SetDefault("profiles.template_path", "")
	v.SetDefault("profiles.max_profiles", 0)
	v.SetDefault("profiles.copy_time_budget", 30*time.Second)
	v.SetDefault("profiles.cleanup_retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// validate checks the loaded config against its struct tags and turns
// validator output into a readable error
func validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}
