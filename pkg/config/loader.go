package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/planbot-dev/planbot/pkg/hooks"
	"github.com/planbot-dev/planbot/pkg/ticket"
)

// Config is the fully resolved queue-file content, ready for the
// orchestrator.
type Config struct {
	Settings Settings
	Hooks    hooks.Set
	Tickets  []ticket.Ticket
	Path     string
}

// queueFile mirrors the on-disk queue-file structure.
type queueFile struct {
	Config  *fileSettings   `yaml:"config,omitempty" json:"config,omitempty"`
	Hooks   hooks.Set       `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Tickets []ticket.Ticket `yaml:"tickets" json:"tickets"`
}

// Load reads, expands, parses, and validates a queue file. The format is
// chosen by extension: .json is parsed as JSON, everything else as YAML.
func Load(path string) (*Config, error) {
	log := slog.With("queue_file", path)
	log.Info("Loading queue file")

	cfg, err := load(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Queue file loaded",
		"tickets", len(cfg.Tickets),
		"hooks", len(cfg.Hooks),
		"plan_mode", cfg.Settings.PlanMode)
	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrQueueFileNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var file queueFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSyntax, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSyntax, err)
		}
	}

	// skipPermissions is a process flag; queue-file data may not set it.
	if file.Config != nil && file.Config.SkipPermissions != nil && *file.Config.SkipPermissions {
		return nil, ErrSkipPermissionsInFile
	}

	settings := file.Config.resolve(DefaultSettings())

	// Merge file timeouts over the defaults; zero values keep the default.
	timeouts := DefaultTimeouts()
	if file.Config != nil {
		if err := mergo.Merge(&timeouts, file.Config.Timeouts, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge timeouts: %w", err)
		}
	}
	settings.Timeouts = timeouts

	if file.Hooks == nil {
		file.Hooks = hooks.Set{}
	}

	return &Config{
		Settings: settings,
		Hooks:    file.Hooks,
		Tickets:  file.Tickets,
		Path:     path,
	}, nil
}

// NewQueue builds the runtime queue from the loaded tickets. Dependency and
// cycle validation happens here, at load time.
func (c *Config) NewQueue() (*ticket.Queue, error) {
	return ticket.NewQueue(c.Tickets)
}
