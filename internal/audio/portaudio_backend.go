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

import (
	"fmt"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements AudioBackend using the real PortAudio library
type PortAudioBackend struct {
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	if !p.initialized {
		return nil
	}

	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// CreateDuplexStream opens the default input and output devices as one
// callback-driven stream with non-interleaved float32 buffers
func (p *PortAudioBackend) CreateDuplexStream(params StreamParams) (StreamInterface, error) {
	if !p.initialized {
		return nil, fmt.Errorf("PortAudio not initialized")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	sampleRate := params.SampleRate
	if sampleRate == 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to query default input device: %w", err)
		}
		sampleRate = device.DefaultSampleRate
	}

	callback := params.Callback
	stream, err := portaudio.OpenDefaultStream(
		params.InputChannels,
		params.OutputChannels,
		sampleRate,
		params.BufferSize,
		func(in, out [][]float32) {
			callback(in, out)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open duplex stream: %w", err)
	}

	// The device may not honour the requested rate exactly.
	if info := stream.Info(); info != nil && info.SampleRate > 0 {
		sampleRate = info.SampleRate
	}

	return &PortAudioStream{
		stream:     stream,
		sampleRate: sampleRate,
	}, nil
}

// PortAudioStream implements StreamInterface using a PortAudio stream
type PortAudioStream struct {
	stream     *portaudio.Stream
	sampleRate float64
	active     atomic.Bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.active.Store(true)
	return nil
}

// Stop stops the audio stream
func (p *PortAudioStream) Stop() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if !p.active.Load() {
		return nil
	}
	p.active.Store(false)
	return p.stream.Stop()
}

// Close closes the audio stream
func (p *PortAudioStream) Close() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	p.active.Store(false)
	return p.stream.Close()
}

// IsActive returns true between a successful Start and the next Stop or Close
func (p *PortAudioStream) IsActive() bool {
	return p.active.Load()
}

// SampleRate returns the rate reported by the device
func (p *PortAudioStream) SampleRate() float64 {
	return p.sampleRate
}
