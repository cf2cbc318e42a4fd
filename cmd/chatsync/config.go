package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config file
// ============================================================================

// configEnv locates the config home: CHATSYNC_HOME, else ~/.chatsync.
type configEnv struct {
	Home string
}

type configFile struct {
	path string
}

func locateConfig() (*configFile, error) {
	var env configEnv
	if err := envconfig.Process("chatsync", &env); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	if env.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		env.Home = filepath.Join(home, ".chatsync")
	}
	return &configFile{path: filepath.Join(env.Home, "config.toml")}, nil
}

// Load parses the file. A missing file is an empty config.
func (f *configFile) Load() (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", f.path, err)
	}
	return cfg, nil
}

// Effective is the file with environment overrides applied. It is never
// written back.
func (f *configFile) Effective() (*Config, error) {
	cfg, err := f.Load()
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process("chatsync", cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment: %w", err)
	}
	return cfg, nil
}

// Save writes a temp file next to the config and renames it into place.
func (f *configFile) Save(cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

func effectiveConfig() (*Config, error) {
	f, err := locateConfig()
	if err != nil {
		return nil, err
	}
	return f.Effective()
}

// ============================================================================
// Fields
// ============================================================================

var checkValue = validator.New()

// configField is one settable key. Exactly one of str and num is set; rule is
// a validator tag applied to the raw value before it is stored.
type configField struct {
	key    string
	rule   string
	secret bool
	str    func(*Config) *string
	num    func(*Config) *int
}

var configFields = []configField{
	{key: "server.base_url", rule: "url", str: func(c *Config) *string { return &c.Server.BaseURL }},
	{key: "server.push_url", rule: "url", str: func(c *Config) *string { return &c.Server.PushURL }},
	{key: "server.passcode", secret: true, str: func(c *Config) *string { return &c.Server.Passcode }},
	{key: "auth.token", secret: true, str: func(c *Config) *string { return &c.Auth.Token }},
	{key: "auth.user_id", str: func(c *Config) *string { return &c.Auth.UserID }},
	{key: "auth.display_name", str: func(c *Config) *string { return &c.Auth.DisplayName }},
	{key: "sync.store_path", str: func(c *Config) *string { return &c.Sync.StorePath }},
	{key: "sync.history_limit", rule: "number", num: func(c *Config) *int { return &c.Sync.HistoryLimit }},
	{key: "sync.log_level", rule: "oneof=debug info warn error", str: func(c *Config) *string { return &c.Sync.LogLevel }},
}

func lookupField(key string) (configField, error) {
	f, ok := lo.Find(configFields, func(f configField) bool { return f.key == key })
	if !ok {
		keys := lo.Map(configFields, func(f configField, _ int) string { return f.key })
		return configField{}, fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(keys, ", "))
	}
	return f, nil
}

func (f configField) get(cfg *Config) string {
	if f.num != nil {
		if n := *f.num(cfg); n != 0 {
			return strconv.Itoa(n)
		}
		return ""
	}
	return *f.str(cfg)
}

// display is get with secrets masked.
func (f configField) display(cfg *Config) string {
	v := f.get(cfg)
	if f.secret && v != "" {
		return maskKey(v)
	}
	return v
}

func (f configField) set(cfg *Config, value string) error {
	if f.rule != "" && value != "" {
		if err := checkValue.Var(value, f.rule); err != nil {
			return fmt.Errorf("invalid value for %s: must satisfy %q", f.key, f.rule)
		}
	}
	if f.num == nil {
		*f.str(cfg) = value
		return nil
	}
	n := 0
	if value != "" {
		var err error
		if n, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", f.key, err)
		}
	}
	*f.num(cfg) = n
	return nil
}

// ============================================================================
// Commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the CLI configuration. The file lives in $CHATSYNC_HOME, or ~/.chatsync when unset.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every key with its effective value",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := locateConfig()
		if err != nil {
			return err
		}
		stored, err := f.Load()
		if err != nil {
			return err
		}
		effective, err := f.Effective()
		if err != nil {
			return err
		}

		table := newTable([]string{"Key", "Value", "Source"})
		for _, field := range configFields {
			source := ""
			switch {
			case field.get(effective) != field.get(stored):
				source = "env"
			case field.get(stored) != "":
				source = "file"
			}
			table.Append([]string{field.key, field.display(effective), source})
		}
		table.Render()
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of one key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := lookupField(args[0])
		if err != nil {
			return err
		}
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		fmt.Println(field.get(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value in the config file",
	Long:  "Store a value in the config file. An empty value clears the key.\nExample: chatsync config set server.base_url https://api.example.com/API",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := lookupField(args[0])
		if err != nil {
			return err
		}
		f, err := locateConfig()
		if err != nil {
			return err
		}
		cfg, err := f.Load()
		if err != nil {
			return err
		}
		if err := field.set(cfg, args[1]); err != nil {
			return err
		}
		if err := f.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", field.key, field.display(cfg))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := locateConfig()
		if err != nil {
			return err
		}
		fmt.Println(f.path)
		return nil
	},
}
