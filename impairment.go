package emucore

//
// Link impairment parameters
//

import (
	"fmt"
	"time"
)

// Impairment describes the degradation applied to traffic crossing a
// [Link]. The zero value is a perfect link: unlimited bandwidth, no
// delay, no losses.
type Impairment struct {
	// Bandwidth is the link capacity in bits per second. Zero means
	// the link does not pace transmission at all.
	Bandwidth int64

	// Delay is the one-way propagation delay.
	Delay time.Duration

	// Jitter is the maximum random variation added to (or subtracted
	// from) the one-way delay of each frame.
	Jitter time.Duration

	// Loss is the percentage of frames to drop, in [0, 100].
	Loss float64

	// Duplicate is the percentage of frames to deliver twice, in [0, 100].
	Duplicate float64
}

// Validate checks that every field is within its contract range. It
// returns an error wrapping [ErrInvalidParameter] naming the offending
// field, or nil.
func (ip Impairment) Validate() error {
	if ip.Bandwidth < 0 {
		return fmt.Errorf("%w: negative bandwidth %d", ErrInvalidParameter, ip.Bandwidth)
	}
	if ip.Delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidParameter, ip.Delay)
	}
	if ip.Jitter < 0 {
		return fmt.Errorf("%w: negative jitter %s", ErrInvalidParameter, ip.Jitter)
	}
	if ip.Loss < 0 || ip.Loss > 100 {
		return fmt.Errorf("%w: loss %f outside [0, 100]", ErrInvalidParameter, ip.Loss)
	}
	if ip.Duplicate < 0 || ip.Duplicate > 100 {
		return fmt.Errorf("%w: duplicate %f outside [0, 100]", ErrInvalidParameter, ip.Duplicate)
	}
	return nil
}

// txDuration returns how long transmitting size bytes takes at the
// configured bandwidth, or zero when bandwidth is unlimited.
func (ip Impairment) txDuration(size int) time.Duration {
	if ip.Bandwidth <= 0 {
		return 0
	}
	bits := int64(size) * 8
	return time.Duration(bits * int64(time.Second) / ip.Bandwidth)
}
