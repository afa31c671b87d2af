package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DispatcherConfig captures runtime settings for the dispatch daemon.
type DispatcherConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	FleetPath       string        `mapstructure:"fleet_path"`
	ReferencePath   string        `mapstructure:"reference_path"`
	ResetScriptPath string        `mapstructure:"reset_script_path"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	WorkerTimeout   time.Duration `mapstructure:"worker_timeout"`
	DatabaseURL     string        `mapstructure:"database_url"`
	RedisURL        string        `mapstructure:"redis_url"`
	AdminKey        string        `mapstructure:"admin_key"`
	TraceSample     float64       `mapstructure:"trace_sample"`
}

// LoadDispatcher loads dispatcher configuration from defaults, files,
// and env vars.
func LoadDispatcher() (DispatcherConfig, error) {
	v := viper.New()
	v.SetConfigName("dispatcher")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("DISPATCHER")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("fleet_path", "./configs/fleet.yaml")
	v.SetDefault("reference_path", "./configs/reference.yaml")
	v.SetDefault("reset_script_path", "./configs/reset_worker.sh")
	v.SetDefault("tick_interval", 5*time.Second)
	v.SetDefault("worker_timeout", 15*time.Second)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("trace_sample", 1.0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return DispatcherConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg DispatcherConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return DispatcherConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// IntakeConfig captures runtime settings for the intake daemon.
type IntakeConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	IncomingDir   string        `mapstructure:"incoming_dir"`
	FailedDir     string        `mapstructure:"failed_dir"`
	ReferencePath string        `mapstructure:"reference_path"`
	LibrarianURL  string        `mapstructure:"librarian_url"`
	RedisURL      string        `mapstructure:"redis_url"`
	DatabaseURL   string        `mapstructure:"database_url"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	FetchHelper   string        `mapstructure:"fetch_helper"`
	TraceSample   float64       `mapstructure:"trace_sample"`
}

// LoadIntake loads intake configuration from defaults, files, and env
// vars.
func LoadIntake() (IntakeConfig, error) {
	v := viper.New()
	v.SetConfigName("intake")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("INTAKE")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8091")
	v.SetDefault("incoming_dir", "/srv/buildfarm/incoming")
	v.SetDefault("failed_dir", "/srv/buildfarm/failed")
	v.SetDefault("reference_path", "./configs/reference.yaml")
	v.SetDefault("librarian_url", "http://localhost:8092")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("fetch_helper", "farm-fetch")
	v.SetDefault("trace_sample", 1.0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return IntakeConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg IntakeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return IntakeConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
