package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DataConfig controls how the raw wide matrix is interpreted
type DataConfig struct {
	IDColumn       string `yaml:"id_column" json:"id_column" mapstructure:"id_column" validate:"required"`
	LabelColumn    string `yaml:"label_column" json:"label_column" mapstructure:"label_column" validate:"required"`
	DateFormat     string `yaml:"date_format" json:"date_format" mapstructure:"date_format" validate:"required"`
	MinHistoryDays int    `yaml:"min_history_days" json:"min_history_days" mapstructure:"min_history_days" validate:"gt=0"`
}

// PreprocessConfig controls imputation, outlier capping and normalization
type PreprocessConfig struct {
	MissingStrategy string  `yaml:"missing_strategy" json:"missing_strategy" mapstructure:"missing_strategy" validate:"oneof=linear forward_fill mean median"`
	OutlierMethod   string  `yaml:"outlier_method" json:"outlier_method" mapstructure:"outlier_method" validate:"oneof=zscore iqr isolation"`
	Threshold       float64 `yaml:"threshold" json:"threshold" mapstructure:"threshold" validate:"gt=0"`
	Contamination   float64 `yaml:"contamination" json:"contamination" mapstructure:"contamination" validate:"gt=0,lt=1"`
	Normalize       string  `yaml:"normalize" json:"normalize" mapstructure:"normalize" validate:"omitempty,oneof=minmax standard robust"`
}

// FeaturesConfig controls feature extraction and selection
type FeaturesConfig struct {
	SelectionK      int    `yaml:"selection_k" json:"selection_k" mapstructure:"selection_k" validate:"gt=0"`
	AdvancedEnabled bool   `yaml:"advanced_enabled" json:"advanced_enabled" mapstructure:"advanced_enabled"`
	SchemaPath      string `yaml:"schema_path" json:"schema_path" mapstructure:"schema_path"`
}

// BalanceConfig controls class rebalancing
type BalanceConfig struct {
	Method      string  `yaml:"method" json:"method" mapstructure:"method" validate:"oneof=smote adaptive borderline_smote svm_smote smote_tomek smote_enn random_over random_under"`
	TargetRatio float64 `yaml:"target_ratio" json:"target_ratio" mapstructure:"target_ratio" validate:"gt=0,lt=1"`
	KNeighbors  int     `yaml:"k_neighbors" json:"k_neighbors" mapstructure:"k_neighbors" validate:"gt=0"`
	Seed        int64   `yaml:"seed" json:"seed" mapstructure:"seed"`
}

// ValidateConfig controls the data-quality validator
type ValidateConfig struct {
	EntityPattern     string  `yaml:"entity_pattern" json:"entity_pattern" mapstructure:"entity_pattern"`
	MaxConsumption    float64 `yaml:"max_consumption" json:"max_consumption" mapstructure:"max_consumption" validate:"gt=0"`
	MinRecords        int     `yaml:"min_records" json:"min_records" mapstructure:"min_records" validate:"gt=0"`
	MaxRecords        int     `yaml:"max_records" json:"max_records" mapstructure:"max_records" validate:"gt=0"`
	SampleLimit       int     `yaml:"sample_limit" json:"sample_limit" mapstructure:"sample_limit" validate:"gt=0"`
	ContinuityWorkers int     `yaml:"continuity_workers" json:"continuity_workers" mapstructure:"continuity_workers" validate:"gt=0"`
}

// StoreConfig controls the report/record persistence sink
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" json:"dsn" mapstructure:"dsn" validate:"required"`
}

// MetricsConfig controls the prometheus exposition endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" json:"addr" mapstructure:"addr"`
}

// Config represents the full pipeline configuration
type Config struct {
	LogLevel   string           `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	Data       DataConfig       `yaml:"data" json:"data" mapstructure:"data"`
	Preprocess PreprocessConfig `yaml:"preprocess" json:"preprocess" mapstructure:"preprocess"`
	Features   FeaturesConfig   `yaml:"features" json:"features" mapstructure:"features"`
	Balance    BalanceConfig    `yaml:"balance" json:"balance" mapstructure:"balance"`
	Validate   ValidateConfig   `yaml:"validate" json:"validate" mapstructure:"validate"`
	Store      StoreConfig      `yaml:"store" json:"store" mapstructure:"store"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("data.id_column", "CONS_NO")
	v.SetDefault("data.label_column", "FLAG")
	v.SetDefault("data.date_format", "1/2/2006")
	v.SetDefault("data.min_history_days", 30)

	v.SetDefault("preprocess.missing_strategy", "linear")
	v.SetDefault("preprocess.outlier_method", "zscore")
	v.SetDefault("preprocess.threshold", 3.0)
	v.SetDefault("preprocess.contamination", 0.1)
	v.SetDefault("preprocess.normalize", "")

	v.SetDefault("features.selection_k", 50)
	v.SetDefault("features.advanced_enabled", true)
	v.SetDefault("features.schema_path", "")

	v.SetDefault("balance.method", "adaptive")
	v.SetDefault("balance.target_ratio", 0.3)
	v.SetDefault("balance.k_neighbors", 3)
	v.SetDefault("balance.seed", 42)

	v.SetDefault("validate.entity_pattern", `^METER_\d{6}$`)
	v.SetDefault("validate.max_consumption", 1000.0)
	v.SetDefault("validate.min_records", 30)
	v.SetDefault("validate.max_records", 2000)
	v.SetDefault("validate.sample_limit", 1000)
	v.SetDefault("validate.continuity_workers", 4)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "theftdetect.db")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// LoadConfig loads the pipeline configuration from an optional yaml file,
// environment variables (THEFTDETECT_ prefix) and built-in defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("THEFTDETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	} else {
		v.SetConfigName("theftdetect")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/theftdetect")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read configuration file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
