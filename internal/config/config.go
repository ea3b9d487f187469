// Package config is used to load the configuration file
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type linker struct {
	PageSize      int  `json:"page-size"`
	SerialWork    bool `json:"serial-work"`
	PageInLinking bool `json:"page-in-linking"`
}

type closure struct {
	Output string `json:"output"`
}

// Config is the configuration struct
type Config struct {
	Linker  linker  `json:"linker"`
	Closure closure `json:"closure"`
}

func (c *Config) verify() error {
	if c.Linker.PageSize == 0 {
		c.Linker.PageSize = 0x4000
	}
	if c.Linker.PageSize&(c.Linker.PageSize-1) != 0 {
		return fmt.Errorf("config: page-size must be a power of two, got %#x", c.Linker.PageSize)
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
