/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package delay

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

const (
	// MinDelaySeconds is the shortest delay time the effect accepts
	MinDelaySeconds = 0.001
	// DefaultMaxDelaySeconds sizes the delay lines unless overridden with WithMaxDelaySeconds
	DefaultMaxDelaySeconds = 2.0
	// FeedbackMax keeps the feedback loop gain strictly below unity so echoes always decay
	FeedbackMax = 0.95

	DefaultDelaySeconds = 0.5
	DefaultFeedback     = 0.5
	DefaultWetDryRatio  = 0.5

	// maxCapacitySamples bounds the allocation made for a single delay line
	maxCapacitySamples = 1 << 26
)

// FeedbackRouting selects which echo is fed back into each channel
type FeedbackRouting uint32

const (
	// RoutingStereo feeds each channel's echo back into the same channel
	RoutingStereo FeedbackRouting = iota
	// RoutingPingPong feeds each channel's echo into the opposite channel
	RoutingPingPong
)

func (r FeedbackRouting) String() string {
	switch r {
	case RoutingStereo:
		return "stereo"
	case RoutingPingPong:
		return "pingpong"
	default:
		return fmt.Sprintf("FeedbackRouting(%d)", uint32(r))
	}
}

// ParseFeedbackRouting maps a routing name to its value
func ParseFeedbackRouting(name string) (FeedbackRouting, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stereo", "":
		return RoutingStereo, nil
	case "pingpong", "ping-pong", "cross":
		return RoutingPingPong, nil
	default:
		return RoutingStereo, fmt.Errorf("unknown feedback routing %q", name)
	}
}

// Params groups the user-tunable parameters of an Effect
type Params struct {
	DelaySeconds *Param
	Feedback     *Param
	WetDryRatio  *Param
}

type options struct {
	maxDelaySeconds float64
	routing         FeedbackRouting
	delaySeconds    float64
	feedback        float64
	wetDryRatio     float64
}

// Option configures an Effect at construction
type Option func(*options)

// WithMaxDelaySeconds sets the longest supported delay time and therefore the
// memory reserved per channel
func WithMaxDelaySeconds(seconds float64) Option {
	return func(o *options) { o.maxDelaySeconds = seconds }
}

// WithFeedbackRouting sets the initial feedback routing
func WithFeedbackRouting(r FeedbackRouting) Option {
	return func(o *options) { o.routing = r }
}

// WithInitialParams sets the starting parameter values. They are clamped like
// any other update.
func WithInitialParams(delaySeconds, feedback, wetDryRatio float64) Option {
	return func(o *options) {
		o.delaySeconds = delaySeconds
		o.feedback = feedback
		o.wetDryRatio = wetDryRatio
	}
}

// Effect is a stereo feedback delay.
//
// Process must only be called from a single goroutine (the audio callback).
// The parameter getters and setters may be called from any goroutine at any
// time; updates are picked up at the start of the next processed block.
type Effect struct {
	sampleRate      float64
	maxDelaySeconds float64
	params          Params
	routing         atomic.Uint32

	left  *Line
	right *Line
}

// NewEffect creates a delay effect for audio at sampleRate Hz
func NewEffect(sampleRate float64, opts ...Option) (*Effect, error) {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("%w: sample rate must be > 0: %f", ErrInvalidConfiguration, sampleRate)
	}

	o := options{
		maxDelaySeconds: DefaultMaxDelaySeconds,
		routing:         RoutingStereo,
		delaySeconds:    DefaultDelaySeconds,
		feedback:        DefaultFeedback,
		wetDryRatio:     DefaultWetDryRatio,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.maxDelaySeconds < MinDelaySeconds || math.IsNaN(o.maxDelaySeconds) || math.IsInf(o.maxDelaySeconds, 0) {
		return nil, fmt.Errorf("%w: max delay must be finite and >= %g s: %f",
			ErrInvalidConfiguration, MinDelaySeconds, o.maxDelaySeconds)
	}
	if o.routing != RoutingStereo && o.routing != RoutingPingPong {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, o.routing)
	}
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"delay", o.delaySeconds},
		{"feedback", o.feedback},
		{"wet/dry ratio", o.wetDryRatio},
	} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return nil, fmt.Errorf("%w: initial %s must be finite: %f", ErrInvalidConfiguration, v.name, v.value)
		}
	}

	capacity := max(int(math.Ceil(o.maxDelaySeconds*sampleRate)), 1)
	if capacity > maxCapacitySamples {
		return nil, fmt.Errorf("%w: %g s at %g Hz needs %d samples per channel (max %d)",
			ErrInvalidConfiguration, o.maxDelaySeconds, sampleRate, capacity, maxCapacitySamples)
	}

	left, err := NewLine(capacity)
	if err != nil {
		return nil, err
	}
	right, err := NewLine(capacity)
	if err != nil {
		return nil, err
	}

	e := &Effect{
		sampleRate:      sampleRate,
		maxDelaySeconds: o.maxDelaySeconds,
		params: Params{
			DelaySeconds: newParam("Delay", MinDelaySeconds, o.maxDelaySeconds, o.delaySeconds, FormatSeconds),
			Feedback:     newParam("Feedback", 0, FeedbackMax, o.feedback, FormatPercent),
			WetDryRatio:  newParam("Wet/Dry", 0, 1, o.wetDryRatio, FormatPercent),
		},
		left:  left,
		right: right,
	}
	e.routing.Store(uint32(o.routing))
	return e, nil
}

// Process runs one block of stereo audio through the delay. All four slices
// must have the same length; outputs may alias the corresponding inputs.
func (e *Effect) Process(inLeft, inRight, outLeft, outRight []float32) {
	n := len(inLeft)
	if len(inRight) != n || len(outLeft) != n || len(outRight) != n {
		panic(fmt.Errorf("%w: block lengths differ: in %d/%d, out %d/%d",
			ErrContractViolation, len(inLeft), len(inRight), len(outLeft), len(outRight)))
	}

	// One snapshot per block: every sample of the block sees the same settings.
	length := e.lengthFor(e.params.DelaySeconds.Load())
	feedback := e.params.Feedback.Load()
	wet := e.params.WetDryRatio.Load()
	dry := 1 - wet
	pingPong := FeedbackRouting(e.routing.Load()) == RoutingPingPong

	for i := 0; i < n; i++ {
		xl := float64(inLeft[i])
		xr := float64(inRight[i])

		dl := e.left.Tap(length)
		dr := e.right.Tap(length)

		fl, fr := dl, dr
		if pingPong {
			fl, fr = dr, dl
		}
		e.left.Write(xl + feedback*fl)
		e.right.Write(xr + feedback*fr)

		outLeft[i] = float32(dry*xl + wet*dl)
		outRight[i] = float32(dry*xr + wet*dr)
	}
}

// Reset silences both delay lines. Like Process it belongs to the audio path.
func (e *Effect) Reset() {
	e.left.Reset()
	e.right.Reset()
}

// SampleRate returns the rate the effect was built for
func (e *Effect) SampleRate() float64 { return e.sampleRate }

// MaxDelaySeconds returns the upper bound of the delay time
func (e *Effect) MaxDelaySeconds() float64 { return e.maxDelaySeconds }

// Capacity returns the per-channel delay line capacity in samples
func (e *Effect) Capacity() int { return e.left.Capacity() }

// Params exposes the parameter handles, mainly for display
func (e *Effect) Params() Params { return e.params }

// DelaySamples returns the delay length the next block will use
func (e *Effect) DelaySamples() int {
	return e.lengthFor(e.params.DelaySeconds.Load())
}

// DelaySeconds returns the applied delay time
func (e *Effect) DelaySeconds() float64 { return e.params.DelaySeconds.Load() }

// SetDelaySeconds clamps and applies a delay time, returning the applied value.
// Buffered history is kept, so returning to an earlier delay time brings back
// the echoes stored at that offset.
func (e *Effect) SetDelaySeconds(v float64) float64 { return e.params.DelaySeconds.Store(v) }

// Feedback returns the applied feedback gain
func (e *Effect) Feedback() float64 { return e.params.Feedback.Load() }

// SetFeedback clamps the gain to [0, FeedbackMax] and applies it
func (e *Effect) SetFeedback(v float64) float64 { return e.params.Feedback.Store(v) }

// WetDryRatio returns the applied wet/dry mix
func (e *Effect) WetDryRatio() float64 { return e.params.WetDryRatio.Load() }

// SetWetDryRatio clamps the mix to [0, 1] and applies it
func (e *Effect) SetWetDryRatio(v float64) float64 { return e.params.WetDryRatio.Store(v) }

// FeedbackRouting returns the applied routing
func (e *Effect) FeedbackRouting() FeedbackRouting {
	return FeedbackRouting(e.routing.Load())
}

// SetFeedbackRouting applies a routing. Unknown values fall back to RoutingStereo.
func (e *Effect) SetFeedbackRouting(r FeedbackRouting) FeedbackRouting {
	if r != RoutingPingPong {
		r = RoutingStereo
	}
	e.routing.Store(uint32(r))
	return r
}

func (e *Effect) lengthFor(seconds float64) int {
	return clamp(int(math.Round(seconds*e.sampleRate)), 1, e.left.Capacity())
}
