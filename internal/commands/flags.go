package commands

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"chatrelay/internal/config"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	Addr       string
	RedisAddr  string
	DBPath     string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config
}

// LoadConfig reads the layered configuration and applies any command-line
// overrides that were explicitly set.
func (f *Flags) LoadConfig(c *cli.Command) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}

	if c.IsSet("addr") {
		cfg.Addr = f.Addr
	}
	if c.IsSet("redis-addr") {
		cfg.Redis.Addr = f.RedisAddr
	}
	if c.IsSet("db") {
		cfg.DBPath = f.DBPath
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	f.Config = cfg
	return nil
}
