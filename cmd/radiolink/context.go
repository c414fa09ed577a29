package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"radiolink/internal/api"
	"radiolink/internal/config"
	"radiolink/internal/procs"
)

type commandContext struct {
	apiFlag    *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error
}

func newCommandContext(apiFlag, configFlag *string) *commandContext {
	return &commandContext{
		apiFlag:    apiFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, exists, err := config.Load(c.configFlagValue())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
		c.configSeen = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) configFlagValue() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) apiAddress() (string, error) {
	if c.apiFlag != nil {
		if bind := strings.TrimSpace(*c.apiFlag); bind != "" {
			return bind, nil
		}
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return cfg.Paths.APIBind, nil
}

func (c *commandContext) apiClient() (*api.Client, error) {
	bind, err := c.apiAddress()
	if err != nil {
		return nil, err
	}
	return api.NewClient(bind)
}

// withStore opens the procs database directly for commands that can work
// without a running daemon.
func (c *commandContext) withStore(fn func(*procs.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := procs.Open(cfg)
	if err != nil {
		return fmt.Errorf("open procs database: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func wrapAPIError(err error, bind string) error {
	if api.IsAPIUnavailable(err) {
		return fmt.Errorf("connect to daemon: nothing is listening on %s; start it with `radiolink run`", bind)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
