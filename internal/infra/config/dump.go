package config

import (
	"gopkg.in/yaml.v3"
)

const masked = "********"

// Dump renders cfg as YAML with every server password masked.
func Dump(cfg *Config) ([]byte, error) {
	out := *cfg
	out.Servers = make([]ServerConfig, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if s.Password != "" {
			s.Password = masked
		}
		out.Servers[i] = s
	}
	return yaml.Marshal(&out)
}
