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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLine(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  bool
	}{
		{name: "zero capacity", capacity: 0, wantErr: true},
		{name: "negative capacity", capacity: -3, wantErr: true},
		{name: "single sample", capacity: 1},
		{name: "one second at 44.1k", capacity: 44100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := NewLine(tt.capacity)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfiguration)
				assert.Nil(t, line)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.capacity, line.Capacity())
			assert.Len(t, line.buffer, tt.capacity+1)
			assert.Equal(t, 0, line.writePos)
		})
	}
}

func TestLine_StartsSilent(t *testing.T) {
	line, err := NewLine(8)
	require.NoError(t, err)

	for length := 0; length <= 8; length++ {
		assert.Zero(t, line.Tap(length), "tap %d before any write", length)
	}
	assert.Zero(t, line.PushAndRead(0.25, 8), "history beyond the first write is silence")
}

func TestLine_PushAndRead(t *testing.T) {
	line, err := NewLine(3)
	require.NoError(t, err)

	var got []float64
	for i := 1; i <= 7; i++ {
		got = append(got, line.PushAndRead(float64(i), 2))
	}
	assert.Equal(t, []float64{0, 0, 1, 2, 3, 4, 5}, got)
}

func TestLine_PushAndReadZeroLength(t *testing.T) {
	line, err := NewLine(4)
	require.NoError(t, err)

	assert.Equal(t, 0.5, line.PushAndRead(0.5, 0), "first sample comes straight back")
	assert.Equal(t, -0.75, line.PushAndRead(-0.75, 0))
	assert.Equal(t, 0.1, line.PushAndRead(0.1, -10), "negative lengths behave like zero")
}

func TestLine_PushAndReadFullCapacity(t *testing.T) {
	line, err := NewLine(4)
	require.NoError(t, err)

	var got []float64
	for i := 1; i <= 10; i++ {
		got = append(got, line.PushAndRead(float64(i), 4))
	}
	assert.Equal(t, []float64{0, 0, 0, 0, 1, 2, 3, 4, 5, 6}, got)

	// Lengths past the capacity are clamped rather than wrapping.
	assert.Equal(t, 7.0, line.PushAndRead(11, 100))
}

func TestLine_TapMatchesPushAndRead(t *testing.T) {
	split, err := NewLine(16)
	require.NoError(t, err)
	fused, err := NewLine(16)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		sample := float64(i%7) - 3
		length := 1 + i%16

		tapped := split.Tap(length)
		split.Write(sample)

		assert.Equal(t, fused.PushAndRead(sample, length), tapped, "sample %d length %d", i, length)
	}
}

func TestLine_TapClampsLength(t *testing.T) {
	line, err := NewLine(3)
	require.NoError(t, err)
	for _, v := range []float64{1, 2, 3} {
		line.Write(v)
	}

	assert.Equal(t, 3.0, line.Tap(0), "zero taps the most recent sample")
	assert.Equal(t, 3.0, line.Tap(1))
	assert.Equal(t, 1.0, line.Tap(3))
	assert.Equal(t, 1.0, line.Tap(99))
}

func TestLine_RetuningKeepsHistory(t *testing.T) {
	line, err := NewLine(32)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		line.Write(float64(i))
	}

	before := line.Tap(10)
	_ = line.Tap(3)
	_ = line.Tap(31)
	assert.Equal(t, before, line.Tap(10), "reading at other lengths must not disturb history")
	assert.Equal(t, 40.0, before)
}

func TestLine_Reset(t *testing.T) {
	line, err := NewLine(4)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		line.Write(1)
	}

	line.Reset()

	assert.Equal(t, 0, line.writePos)
	for length := 1; length <= 4; length++ {
		assert.Zero(t, line.Tap(length))
	}
}

func BenchmarkLine_PushAndRead(b *testing.B) {
	line, err := NewLine(44100)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		line.PushAndRead(0.5, 22050)
	}
}
