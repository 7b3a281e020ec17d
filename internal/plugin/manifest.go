package plugin

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/palaver/internal/event"
)

// Manifest defines the structure of a subprocess plugin's manifest.yaml.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Protocol    int      `yaml:"protocol"`
	Entrypoint  string   `yaml:"entrypoint"`
	Description string   `yaml:"description,omitempty"`
	Events      []string `yaml:"events"`
}

// External is a discovered and validated subprocess plugin.
type External struct {
	Name        string       // Plugin name from manifest
	Path        string       // Absolute path to plugin directory
	Entrypoint  string       // Absolute path to entrypoint executable
	Protocol    int          // Protocol version
	Version     string       // Plugin version
	Description string       // Human-readable description
	Events      []event.Name // Events the plugin handles
	Fingerprint string       // blake3:<hex> of the manifest bytes
}

// HandlesEvent reports whether the plugin subscribed to name.
func (p *External) HandlesEvent(name event.Name) bool {
	for _, n := range p.Events {
		if n == name {
			return true
		}
	}
	return false
}

func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	return &m, nil
}

func validateManifest(m *Manifest) ([]event.Name, error) {
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return nil, fmt.Errorf("protocol version is required")
	}
	if m.Entrypoint == "" {
		return nil, fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return nil, fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Events) == 0 {
		return nil, fmt.Errorf("at least one event must be declared")
	}

	names := make([]event.Name, 0, len(m.Events))
	for _, raw := range m.Events {
		n, err := event.ParseName(raw)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, nil
}

func fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}
