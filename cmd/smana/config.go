package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage SMANA CLI configuration",
	Long:  "View or modify the configuration stored in ~/.smana/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after applying defaults and SMANA_* environment overrides.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		masked := *cfg
		if masked.Gateway.PushSecret != "" {
			masked.Gateway.PushSecret = maskSecret(masked.Gateway.PushSecret)
		}
		if masked.Push.Token != "" {
			masked.Push.Token = maskSecret(masked.Push.Token)
		}
		data, err := toml.Marshal(masked)
		if err != nil {
			return errors.Wrap(err, "cannot marshal config")
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: smana config set default.environment development",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// readConfigFile parses only what is on disk, so that `config set` never
// persists environment overrides.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "gateway.listen").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return errors.New("key must use dot notation: section.field (e.g. default.environment)")
	}

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "app_url":
			cfg.Default.AppURL = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "gateway":
		switch field {
		case "listen":
			cfg.Gateway.Listen = value
		case "cache_db":
			cfg.Gateway.CacheDB = value
		case "push_secret":
			cfg.Gateway.PushSecret = value
		default:
			return errors.Errorf("unknown field %q in section [gateway]", field)
		}
	case "push":
		switch field {
		case "token":
			cfg.Push.Token = value
		case "endpoint":
			cfg.Push.Endpoint = value
		default:
			return errors.Errorf("unknown field %q in section [push]", field)
		}
	case "log":
		if field != "level" {
			return errors.Errorf("unknown field %q in section [log]", field)
		}
		cfg.Log.Level = value
	default:
		return errors.Errorf("unknown config section %q (valid: default, gateway, push, log)", section)
	}
	return nil
}
