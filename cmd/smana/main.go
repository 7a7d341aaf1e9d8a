package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.smana/config.toml.
// Every key can be overridden from the environment, e.g. SMANA_DEFAULT_BASE_URL.
type Config struct {
	Default ConfigDefault `toml:"default" mapstructure:"default"`
	Gateway ConfigGateway `toml:"gateway" mapstructure:"gateway"`
	Push    ConfigPush    `toml:"push" mapstructure:"push"`
	Log     ConfigLog     `toml:"log" mapstructure:"log"`
}

// ConfigDefault holds backend settings.
type ConfigDefault struct {
	Environment string `toml:"environment" mapstructure:"environment"`
	BaseURL     string `toml:"base_url,omitempty" mapstructure:"base_url"`
	AppURL      string `toml:"app_url,omitempty" mapstructure:"app_url"`
}

// ConfigGateway holds settings for the local caching gateway.
type ConfigGateway struct {
	Listen     string `toml:"listen,omitempty" mapstructure:"listen"`
	CacheDB    string `toml:"cache_db,omitempty" mapstructure:"cache_db"`
	PushSecret string `toml:"push_secret,omitempty" mapstructure:"push_secret"`
}

// ConfigPush names the device credential registered at login. Either Token
// or Endpoint (a relay URL) is set; when both are empty push stays off.
type ConfigPush struct {
	Token    string `toml:"token,omitempty" mapstructure:"token"`
	Endpoint string `toml:"endpoint,omitempty" mapstructure:"endpoint"`
}

type ConfigLog struct {
	Level string `toml:"level,omitempty" mapstructure:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.smana, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	dir := filepath.Join(home, ".smana")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func sessionPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.toml"), nil
}

// loadConfig merges defaults, the config file and SMANA_* environment
// variables. A missing file is not an error.
func loadConfig() (*Config, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "config.toml")

	v := viper.New()
	v.SetDefault("default.environment", "production")
	v.SetDefault("gateway.listen", "127.0.0.1:8088")
	v.SetDefault("gateway.cache_db", filepath.Join(dir, "responses.db"))
	v.SetDefault("log.level", "warn")
	// without explicit keys AutomaticEnv cannot fill fields absent from the file
	for _, key := range []string{"default.base_url", "default.app_url", "gateway.push_secret", "push.token", "push.endpoint"} {
		v.SetDefault(key, "")
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("SMANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "cannot read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return &cfg, nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagVerbose bool
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "smana",
	Short: "SMANA hotel admin CLI",
	Long:  "Command-line companion for the SMANA hotel admin dashboard.\nSign in, follow live activity, move orders and serve the admin app through a caching gateway.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print raw JSON instead of tables")
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	if flagVerbose {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
