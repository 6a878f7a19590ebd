package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/minicord/minicord"
)

type activityConfig struct {
	Name string `yaml:"name"`
	Type int    `yaml:"type"`
	URL  string `yaml:"url"`
}

type presenceConfig struct {
	Status     string           `yaml:"status"`
	AFK        bool             `yaml:"afk"`
	Activities []activityConfig `yaml:"activities"`
}

type fileConfig struct {
	Token      string `yaml:"token"`
	Intents    int    `yaml:"intents"`
	GatewayURL string `yaml:"gateway_url"`
	Reconnect  struct {
		MaxAttempts int    `yaml:"max_attempts"`
		Every       string `yaml:"every"`
	} `yaml:"reconnect"`
	Presence *presenceConfig `yaml:"presence"`
}

// loadConfig reads the yaml config at path and maps it onto session
// options. The MINICORD_TOKEN environment variable overrides the token
// from the file so it can stay out of version controlled configs.
func loadConfig(path string) (minicord.Options, error) {
	var opts minicord.Options

	b, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("load config: %w", err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return opts, fmt.Errorf("parse config %s: %w", path, err)
	}

	opts.Token = strings.TrimSpace(raw.Token)
	if env := os.Getenv("MINICORD_TOKEN"); env != "" {
		opts.Token = env
	}
	opts.Intents = raw.Intents
	opts.URL = strings.TrimSpace(raw.GatewayURL)
	opts.MaxReconnectAttempts = raw.Reconnect.MaxAttempts

	if v := strings.TrimSpace(raw.Reconnect.Every); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return opts, fmt.Errorf("parse reconnect.every: %w", err)
		}
		opts.ReconnectEvery = d
	}

	if raw.Presence != nil {
		p := &minicord.Presence{
			Status: minicord.Status(raw.Presence.Status),
			AFK:    raw.Presence.AFK,
		}
		for _, a := range raw.Presence.Activities {
			p.Activities = append(p.Activities, minicord.Activity{
				Name: a.Name,
				Type: minicord.ActivityType(a.Type),
				URL:  a.URL,
			})
		}
		opts.Presence = p
	}

	return opts, nil
}
