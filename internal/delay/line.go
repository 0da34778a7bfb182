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

import "fmt"

// Line is a circular buffer holding the most recent samples of one channel.
//
// The backing slice is one sample longer than the capacity so that a fused
// write-then-read at the full capacity still returns the sample written
// capacity samples ago rather than the one just written.
type Line struct {
	buffer   []float64
	writePos int
	capacity int
}

// NewLine returns a zero-filled delay line able to delay by up to capacity samples
func NewLine(capacity int) (*Line, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: delay line capacity must be >= 1: %d", ErrInvalidConfiguration, capacity)
	}
	return &Line{
		buffer:   make([]float64, capacity+1),
		capacity: capacity,
	}, nil
}

// Capacity returns the longest delay in samples the line can produce
func (l *Line) Capacity() int {
	return l.capacity
}

// Write stores one sample and advances the write cursor
func (l *Line) Write(sample float64) {
	l.buffer[l.writePos] = sample
	l.writePos++
	if l.writePos == len(l.buffer) {
		l.writePos = 0
	}
}

// Tap returns the sample written length samples before the next write.
// length is clamped to [1, Capacity]. Tap does not modify the line.
func (l *Line) Tap(length int) float64 {
	length = clamp(length, 1, l.capacity)
	return l.buffer[l.index(length)]
}

// PushAndRead writes sample and returns the sample written length samples
// before it. length is clamped to [0, Capacity]; a length of 0 returns the
// sample just written.
func (l *Line) PushAndRead(sample float64, length int) float64 {
	length = clamp(length, 0, l.capacity)
	l.buffer[l.writePos] = sample
	delayed := l.buffer[l.index(length)]
	l.writePos++
	if l.writePos == len(l.buffer) {
		l.writePos = 0
	}
	return delayed
}

// Reset silences the stored history and rewinds the cursor
func (l *Line) Reset() {
	clear(l.buffer)
	l.writePos = 0
}

// index maps a distance behind the write cursor to a buffer position
func (l *Line) index(length int) int {
	i := l.writePos - length
	if i < 0 {
		i += len(l.buffer)
	}
	return i
}
