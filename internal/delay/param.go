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
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// Param is a bounded float64 published from the control path to the audio
// path. Reads and writes are single atomic operations, so the audio path
// never blocks on a writer and never observes a partially written value.
type Param struct {
	name   string
	lo     float64
	hi     float64
	format func(float64) string
	bits   atomic.Uint64
}

func newParam(name string, lo, hi, initial float64, format func(float64) string) *Param {
	if math.IsNaN(initial) {
		initial = lo
	}
	p := &Param{name: name, lo: lo, hi: hi, format: format}
	p.bits.Store(math.Float64bits(clamp(initial, lo, hi)))
	return p
}

// Name returns the display name of the parameter
func (p *Param) Name() string { return p.name }

// Min returns the lower bound
func (p *Param) Min() float64 { return p.lo }

// Max returns the upper bound
func (p *Param) Max() float64 { return p.hi }

// Load returns the current applied value
func (p *Param) Load() float64 {
	return math.Float64frombits(p.bits.Load())
}

// Store clamps v into [Min, Max], publishes it and returns the applied value.
// NaN is not a meaningful request and leaves the current value in place.
func (p *Param) Store(v float64) float64 {
	if math.IsNaN(v) {
		return p.Load()
	}
	v = clamp(v, p.lo, p.hi)
	p.bits.Store(math.Float64bits(v))
	return v
}

// Text renders the current value for display
func (p *Param) Text() string {
	return p.format(p.Load())
}

// FormatSeconds renders a time in seconds with millisecond precision
func FormatSeconds(v float64) string {
	return fmt.Sprintf("%.3f s", v)
}

// FormatPercent renders a ratio in [0, 1] as a whole percentage
func FormatPercent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
