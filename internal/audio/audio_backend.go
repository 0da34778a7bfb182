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

package audio

import "fmt"

// AudioBackend provides an abstraction layer over the audio device layer.
// This enables dependency injection and makes the host testable without hardware.
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// CreateDuplexStream opens a stream that captures and plays back at once,
	// invoking params.Callback once per block
	CreateDuplexStream(params StreamParams) (StreamInterface, error)
}

// StreamInterface abstracts audio stream operations
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// IsActive returns true if the stream is currently running
	IsActive() bool

	// SampleRate returns the rate the device actually runs at
	SampleRate() float64
}

// StreamCallback is called on the audio thread once per block. in and out
// hold one slice per channel, all of the same length. The callback must not
// block or allocate.
type StreamCallback func(in, out [][]float32)

// StreamParams holds parameters for stream creation
type StreamParams struct {
	SampleRate     float64 // 0 selects the device default
	InputChannels  int
	OutputChannels int
	BufferSize     int // frames per block
	Callback       StreamCallback
}

func (p StreamParams) validate() error {
	if p.SampleRate < 0 {
		return fmt.Errorf("invalid sample rate: %f", p.SampleRate)
	}
	if p.InputChannels < 1 || p.OutputChannels < 1 {
		return fmt.Errorf("invalid channel layout: %d in, %d out", p.InputChannels, p.OutputChannels)
	}
	if p.BufferSize < 1 {
		return fmt.Errorf("invalid buffer size: %d", p.BufferSize)
	}
	if p.Callback == nil {
		return fmt.Errorf("stream callback is nil")
	}
	return nil
}
