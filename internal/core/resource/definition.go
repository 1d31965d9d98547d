package resource

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowcircuits/firestate/internal/core/diff"
)

const (
	// DefaultDebounce is how long local edits accumulate before a flush.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultMinDisplayTime gates how quickly IsLoading may clear, so a
	// fast first snapshot does not flicker the loading UI.
	DefaultMinDisplayTime = 250 * time.Millisecond
)

// Validator checks raw snapshot data against a schema before the engine
// accepts it. Validation happens at delivery time only; the sync algorithm
// never re-validates.
type Validator interface {
	Validate(raw diff.Value) (diff.Value, error)
}

// RetryPolicy turns read errors into silent unsubscribe/resubscribe cycles
// at a fixed interval instead of surfacing them.
type RetryPolicy struct {
	Interval time.Duration
}

// Definition is the static configuration of one resource, fixed at
// construction time.
type Definition struct {
	// Path addresses the remote document or collection. It may contain
	// {placeholder} segments resolved by ResolvePath.
	Path string
	// Debounce is the flush delay after a local edit. Zero means default.
	Debounce time.Duration
	// MinDisplayTime is the minimum time IsLoading stays true after Start.
	// Zero means default; negative disables the gate.
	MinDisplayTime time.Duration
	// ReadOnly makes every local edit a no-op.
	ReadOnly bool
	// AllowMissing accepts an absent document without raising "not found".
	// Resources that create their document via Set need this.
	AllowMissing bool
	// Eager opens a collection's remote subscription at construction
	// instead of waiting for Load.
	Eager bool
	// Retry, when set, silently restarts the subscription on read errors.
	Retry *RetryPolicy
	// Validator, when set, checks every incoming snapshot.
	Validator Validator
}

func (d Definition) withDefaults() Definition {
	if d.Debounce == 0 {
		d.Debounce = DefaultDebounce
	}
	if d.MinDisplayTime == 0 {
		d.MinDisplayTime = DefaultMinDisplayTime
	}
	return d
}

// ResolvePath substitutes {name} placeholders in the definition path and
// returns the resolved copy of the definition.
func (d Definition) ResolvePath(vars map[string]string) Definition {
	path := d.Path
	for name, val := range vars {
		path = strings.ReplaceAll(path, "{"+name+"}", val)
	}
	d.Path = path
	return d
}

type definitionYAML struct {
	Path           string `yaml:"path"`
	Debounce       string `yaml:"debounce"`
	MinDisplayTime string `yaml:"minDisplayTime"`
	ReadOnly       bool   `yaml:"readOnly"`
	AllowMissing   bool   `yaml:"allowMissing"`
	Eager          bool   `yaml:"eager"`
	Retry          *struct {
		Interval string `yaml:"interval"`
	} `yaml:"retry"`
}

// ParseDefinition loads a definition from its YAML form. Durations use
// time.ParseDuration syntax.
func ParseDefinition(data []byte) (Definition, error) {
	var raw definitionYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("resource: parse definition: %w", err)
	}
	if raw.Path == "" {
		return Definition{}, fmt.Errorf("resource: definition missing path")
	}

	def := Definition{
		Path:         raw.Path,
		ReadOnly:     raw.ReadOnly,
		AllowMissing: raw.AllowMissing,
		Eager:        raw.Eager,
	}

	var err error
	if def.Debounce, err = parseDuration("debounce", raw.Debounce); err != nil {
		return Definition{}, err
	}
	if def.MinDisplayTime, err = parseDuration("minDisplayTime", raw.MinDisplayTime); err != nil {
		return Definition{}, err
	}
	if raw.Retry != nil {
		interval, err := parseDuration("retry.interval", raw.Retry.Interval)
		if err != nil {
			return Definition{}, err
		}
		def.Retry = &RetryPolicy{Interval: interval}
	}
	return def, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("resource: definition %s: %w", field, err)
	}
	return d, nil
}
