// Package notify implements alert delivery channels (console, file, email).
package notify

import (
	"context"
	"fmt"
	"log"

	"marketpulse/internal/alert"
)

// ChannelConfig describes one configured delivery channel.
type ChannelConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Enabled  bool              `yaml:"enabled"`
	Settings map[string]string `yaml:"settings"`
}

// Build constructs the enabled channels. An unknown channel type is a
// configuration error and fails the whole build.
func Build(configs []ChannelConfig) ([]alert.Channel, error) {
	var channels []alert.Channel
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		switch c.Type {
		case "console":
			channels = append(channels, NewConsoleChannel(c.Name))
		case "file":
			path := c.Settings["path"]
			if path == "" {
				return nil, fmt.Errorf("channel %q: file channel requires a path setting", c.Name)
			}
			channels = append(channels, NewFileChannel(c.Name, path))
		case "email":
			ch, err := NewEmailChannel(c.Name, c.Settings)
			if err != nil {
				return nil, fmt.Errorf("channel %q: %w", c.Name, err)
			}
			channels = append(channels, ch)
		default:
			return nil, fmt.Errorf("channel %q: unknown type %q", c.Name, c.Type)
		}
	}
	return channels, nil
}

// ConsoleChannel writes alert messages to the process log.
type ConsoleChannel struct {
	name string
}

// NewConsoleChannel creates a console channel.
func NewConsoleChannel(name string) *ConsoleChannel {
	if name == "" {
		name = "console"
	}
	return &ConsoleChannel{name: name}
}

func (c *ConsoleChannel) Name() string { return c.name }

func (c *ConsoleChannel) Send(ctx context.Context, message string) error {
	log.Printf("[alert] %s", message)
	return nil
}
