package webhook

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mattjoyce/palaver/internal/config"
)

// FromGlobalConfig converts the webhooks section of the main config.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}

	for i, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}

		action := Action(ep.Action)
		if action != ActionChat && action != ActionTranscribe {
			return Config{}, fmt.Errorf("webhook endpoint %q: unknown action %q", ep.Path, ep.Action)
		}

		maxBodySize, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}

		header := ep.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}

		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Action:          action,
			Secret:          ep.Secret,
			SignatureHeader: header,
			MaxBodySize:     maxBodySize,
		}
	}

	return cfg, nil
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseMaxBodySize accepts a byte count with an optional KB, MB or GB
// suffix. Empty means DefaultMaxBodySize.
func parseMaxBodySize(size string) (int64, error) {
	size = strings.ToUpper(strings.TrimSpace(size))
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	factor := int64(1)
	for _, u := range sizeUnits {
		if num, ok := strings.CutSuffix(size, u.suffix); ok {
			size, factor = strings.TrimSpace(num), u.factor
			break
		}
	}

	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if n > math.MaxInt64/factor {
		return 0, fmt.Errorf("size too large")
	}
	return n * factor, nil
}
