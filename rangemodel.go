package emucore

//
// Basic range propagation model
//

import (
	"fmt"
	"strconv"
	"time"
)

// BasicRangeModelName is the registered name of [BasicRangeModel].
const BasicRangeModelName = "basic_range"

func init() {
	RegisterPropagationModel(BasicRangeModelName, func() PropagationModel {
		return &BasicRangeModel{}
	})
}

// BasicRangeModel is a propagation model where two stations are
// linked at a configured quality when within range of each other and
// unlinked (100% loss) otherwise. Distances are euclidean over the
// stations' display positions.
//
// Parameters:
//
//   - "range": maximum distance in position units (default 275)
//
//   - "bandwidth": in-range bandwidth in bit/s (default 54 Mbit/s)
//
//   - "delay": in-range one-way delay (default 5ms)
//
//   - "jitter": in-range jitter (default 0)
//
//   - "loss": in-range loss percentage (default 0)
//
// The zero value is a model with all defaults; Configure overrides.
type BasicRangeModel struct {
	// Range is the maximum link distance.
	Range float64

	// InRange is the impairment applied within range.
	InRange Impairment
}

var _ PropagationModel = &BasicRangeModel{}

// Default parameter values.
const (
	basicRangeDefaultRange     = 275.0
	basicRangeDefaultBandwidth = 54_000_000
	basicRangeDefaultDelay     = 5 * time.Millisecond
)

// Configure implements [PropagationModel].
func (m *BasicRangeModel) Configure(params map[string]string) error {
	m.Range = basicRangeDefaultRange
	m.InRange = Impairment{
		Bandwidth: basicRangeDefaultBandwidth,
		Delay:     basicRangeDefaultDelay,
		Jitter:    0,
		Loss:      0,
		Duplicate: 0,
	}
	for name, value := range params {
		switch name {
		case "range":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil || v < 0 {
				return fmt.Errorf("%w: range: %s", ErrInvalidParameter, value)
			}
			m.Range = v
		case "bandwidth":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil || v < 0 {
				return fmt.Errorf("%w: bandwidth: %s", ErrInvalidParameter, value)
			}
			m.InRange.Bandwidth = v
		case "delay":
			v, err := time.ParseDuration(value)
			if err != nil || v < 0 {
				return fmt.Errorf("%w: delay: %s", ErrInvalidParameter, value)
			}
			m.InRange.Delay = v
		case "jitter":
			v, err := time.ParseDuration(value)
			if err != nil || v < 0 {
				return fmt.Errorf("%w: jitter: %s", ErrInvalidParameter, value)
			}
			m.InRange.Jitter = v
		case "loss":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil || v < 0 || v > 100 {
				return fmt.Errorf("%w: loss: %s", ErrInvalidParameter, value)
			}
			m.InRange.Loss = v
		default:
			return fmt.Errorf("%w: unknown parameter: %s", ErrInvalidParameter, name)
		}
	}
	return m.InRange.Validate()
}

// Start implements [PropagationModel].
func (m *BasicRangeModel) Start(binding *PropagationBinding) error {
	return nil
}

// ComputeLinkQuality implements [PropagationModel].
func (m *BasicRangeModel) ComputeLinkQuality(a, b *Station) (Impairment, error) {
	if a.Position.Distance(b.Position) <= m.Range {
		return m.InRange, nil
	}
	out := m.InRange
	out.Loss = 100
	return out, nil
}

// Stop implements [PropagationModel].
func (m *BasicRangeModel) Stop(binding *PropagationBinding) error {
	return nil
}
