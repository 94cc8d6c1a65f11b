package emucore

//
// Engine configuration
//

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a [time.Duration] that unmarshals from YAML strings
// such as "250ms" or "1.5s".
type Duration time.Duration

var _ yaml.Unmarshaler = (*Duration)(nil)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParameter, err.Error())
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// ImpairmentConfig is the YAML shape of an [Impairment].
type ImpairmentConfig struct {
	// Bandwidth is the bandwidth in bit/s.
	Bandwidth int64 `yaml:"bandwidth"`

	// Delay is the one-way delay.
	Delay Duration `yaml:"delay"`

	// Jitter is the delay jitter.
	Jitter Duration `yaml:"jitter"`

	// Loss is the loss percentage.
	Loss float64 `yaml:"loss"`

	// Duplicate is the duplication percentage.
	Duplicate float64 `yaml:"duplicate"`
}

// impairment converts to an [Impairment].
func (ic ImpairmentConfig) impairment() Impairment {
	return Impairment{
		Bandwidth: ic.Bandwidth,
		Delay:     ic.Delay.Std(),
		Jitter:    ic.Jitter.Std(),
		Loss:      ic.Loss,
		Duplicate: ic.Duplicate,
	}
}

// EngineConfig tunes a [Session]. The zero value selects defaults for
// every field; a nil *EngineConfig is equivalent to the zero value.
type EngineConfig struct {
	// MTU is the MTU of virtual interfaces.
	MTU uint32 `yaml:"mtu"`

	// RealizeTimeout bounds the realization of a single execution
	// context.
	RealizeTimeout Duration `yaml:"realize_timeout"`

	// Workers is the size of the instantiation worker pool.
	Workers int `yaml:"workers"`

	// PropagationTick is the propagation model update cadence.
	PropagationTick Duration `yaml:"propagation_tick"`

	// CaptureDir is the directory where relative capture file
	// names are created.
	CaptureDir string `yaml:"capture_dir"`

	// DefaultImpairment is applied to links created without an
	// explicit impairment.
	DefaultImpairment ImpairmentConfig `yaml:"default_impairment"`
}

// Default engine configuration values.
const (
	defaultMTU             = 1500
	defaultRealizeTimeout  = 10 * time.Second
	defaultWorkers         = 4
	defaultPropagationTick = time.Second
)

// LoadEngineConfig reads and validates an [EngineConfig] from a YAML
// file.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &EngineConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config.Validated()
}

// Validated returns a copy with defaults filled in, or an error
// wrapping [ErrInvalidParameter] when a field is out of range. It is
// safe to call on a nil receiver.
func (c *EngineConfig) Validated() (*EngineConfig, error) {
	out := &EngineConfig{}
	if c != nil {
		*out = *c
	}
	if out.MTU == 0 {
		out.MTU = defaultMTU
	}
	if out.MTU < 1280 {
		return nil, fmt.Errorf("%w: mtu %d below IPv6 minimum", ErrInvalidParameter, out.MTU)
	}
	if out.RealizeTimeout < 0 {
		return nil, fmt.Errorf("%w: negative realize_timeout", ErrInvalidParameter)
	}
	if out.RealizeTimeout == 0 {
		out.RealizeTimeout = Duration(defaultRealizeTimeout)
	}
	if out.Workers < 0 {
		return nil, fmt.Errorf("%w: negative workers", ErrInvalidParameter)
	}
	if out.Workers == 0 {
		out.Workers = defaultWorkers
	}
	if out.PropagationTick < 0 {
		return nil, fmt.Errorf("%w: negative propagation_tick", ErrInvalidParameter)
	}
	if out.PropagationTick == 0 {
		out.PropagationTick = Duration(defaultPropagationTick)
	}
	if err := out.DefaultImpairment.impairment().Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
