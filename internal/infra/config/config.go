package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Servers  []ServerConfig `mapstructure:"servers" yaml:"servers"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

type ServerConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	TLS           bool   `mapstructure:"tls" yaml:"tls"`
	MaxConnection int    `mapstructure:"max_connections" yaml:"max_connections"`
	Priority      int    `mapstructure:"priority" yaml:"priority"`
	Pipelining    bool   `mapstructure:"pipelining" yaml:"pipelining"`
	Compression   bool   `mapstructure:"compression" yaml:"compression"`
}

type DownloadConfig struct {
	OutDir    string `mapstructure:"out_dir" yaml:"out_dir"`
	Overwrite bool   `mapstructure:"overwrite" yaml:"overwrite"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
	MaxRounds int    `mapstructure:"max_rounds" yaml:"max_rounds"`
	Retries   int    `mapstructure:"retries" yaml:"retries"`

	// drop the plain text around encoded binaries instead of keeping it in
	// <name>.txt
	DiscardText bool `mapstructure:"discard_text" yaml:"discard_text"`
}

type EngineConfig struct {
	Threads int `mapstructure:"threads" yaml:"threads"`
	// bytes per second shared by all connections, 0 is unlimited
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

type APIConfig struct {
	StatusAddr string `mapstructure:"status_addr" yaml:"status_addr"`
}

func Load(path string) (*Config, error) {

	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Docker images mount their config under /config
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				return nil, fmt.Errorf("configuration file 'config.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp config.yaml.example config.yaml\n" +
					"Then edit it with your Usenet credentials.")
			} else {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("NZBENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.overwrite", false)
	v.SetDefault("download.discard_text", true)
	v.SetDefault("download.batch_size", 20)
	v.SetDefault("download.max_rounds", 3)
	v.SetDefault("download.retries", 3)
	v.SetDefault("engine.threads", 4)
	v.SetDefault("engine.rate_limit", 0)
	v.SetDefault("log.path", "nzbengine.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "catalog.db")
	v.SetDefault("api.status_addr", "")
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server[%d] requires a unique ID", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("server[%d]: duplicate ID %s", i, s.ID)
		}
		seen[s.ID] = true

		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.ID)
		}

		if s.Port == 0 {
			if s.TLS {
				c.Servers[i].Port = 563
			} else {
				c.Servers[i].Port = 119
			}
		}

		if s.MaxConnection <= 0 {
			c.Servers[i].MaxConnection = 10
		}

		if s.Priority == 0 {
			c.Servers[i].Priority = 1
		}
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}
	if c.Download.BatchSize <= 0 {
		c.Download.BatchSize = 20
	}
	if c.Download.MaxRounds <= 0 {
		c.Download.MaxRounds = 3
	}
	if c.Download.Retries < 0 {
		c.Download.Retries = 0
	}
	if c.Engine.Threads <= 0 {
		c.Engine.Threads = 4
	}
	if c.Engine.RateLimit < 0 {
		return fmt.Errorf("engine.rate_limit must not be negative")
	}

	return nil
}
