// Package config loads the volume engine's configuration in the teacher's
// viper + mapstructure shape (core/backend/config/config.go). Every key is
// read under the dotted path of the mapstructure tags below, so the two
// SVO limits are svo.material_max_fields and svo.material_max_memory_mb;
// the nested forms svo.material.max_fields and svo.material.max_memory_mb
// are not read.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every configuration key the volume engine consumes.
type Config struct {
	Volume              VolumeConfig              `mapstructure:"volume"`
	DistanceField       DistanceFieldConfig       `mapstructure:"distance_field"`
	MaterialInteraction MaterialInteractionConfig `mapstructure:"material_interaction"`
	Hardware            HardwareConfig            `mapstructure:"hardware"`
	Network             NetworkConfig             `mapstructure:"network"`
	SVO                 SVOConfig                 `mapstructure:"svo"`
	Logging             LoggingConfig             `mapstructure:"logging"`
}

type VolumeConfig struct {
	WorldDimensions [3]float64 `mapstructure:"world_dimensions"`
	LeafNodeSize    float64    `mapstructure:"leaf_node_size"`
	MaxDepth        int        `mapstructure:"max_depth"`
	MaterialCount   int        `mapstructure:"material_count"`
}

type DistanceFieldConfig struct {
	EvaluationAccuracy float64 `mapstructure:"evaluation_accuracy"`
	MaxCacheSize       int     `mapstructure:"max_cache_size"`
	EnableCaching      bool    `mapstructure:"enable_caching"`
}

type MaterialInteractionConfig struct {
	DefaultBlendType    string `mapstructure:"default_blend_type"`
	DefaultPriority     int    `mapstructure:"default_priority"`
	NetworkSynchronized bool   `mapstructure:"network_synchronized"`
}

type HardwareConfig struct {
	EnableGPUAcceleration        bool `mapstructure:"enable_gpu_acceleration"`
	MaxThreadsForFieldEvaluation int  `mapstructure:"max_threads_for_field_evaluation"`
}

type NetworkConfig struct {
	IsServer                   bool   `mapstructure:"is_server"`
	ConflictResolutionStrategy string `mapstructure:"conflict_resolution_strategy"`
}

type SVOConfig struct {
	MaterialMaxFields   int `mapstructure:"material_max_fields"`
	MaterialMaxMemoryMB int `mapstructure:"material_max_memory_mb"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from (in order of increasing precedence): the
// built-in defaults below, a config file named "svoengine.yaml" found on
// the standard search paths, and SVOENGINE_-prefixed environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("volume.world_dimensions", []float64{1024, 1024, 1024})
	v.SetDefault("volume.leaf_node_size", 1.0)
	v.SetDefault("volume.max_depth", 10)
	v.SetDefault("volume.material_count", 16)

	v.SetDefault("distance_field.evaluation_accuracy", 0.01)
	v.SetDefault("distance_field.max_cache_size", 65536)
	v.SetDefault("distance_field.enable_caching", true)

	v.SetDefault("material_interaction.default_blend_type", "smoothstep")
	v.SetDefault("material_interaction.default_priority", 0)
	v.SetDefault("material_interaction.network_synchronized", false)

	v.SetDefault("hardware.enable_gpu_acceleration", false)
	v.SetDefault("hardware.max_threads_for_field_evaluation", 0)

	v.SetDefault("network.is_server", true)
	v.SetDefault("network.conflict_resolution_strategy", "server_wins")

	v.SetDefault("svo.material_max_fields", 100000)
	v.SetDefault("svo.material_max_memory_mb", 512)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.development", false)

	v.SetConfigName("svoengine")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/svoengine")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SVOENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}
