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
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

const bytesPerSample = 4 // float32

// MalgoBackend implements AudioBackend on top of miniaudio via malgo. It is
// the fallback when PortAudio is not installed on the host.
type MalgoBackend struct {
	ctx *malgo.AllocatedContext
}

// NewMalgoBackend creates a new malgo backend
func NewMalgoBackend() *MalgoBackend {
	return &MalgoBackend{}
}

// Initialize creates the miniaudio context
func (m *MalgoBackend) Initialize() error {
	if m.ctx != nil {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Printf("🔈 miniaudio: %s", strings.TrimSpace(msg))
	})
	if err != nil {
		return fmt.Errorf("failed to initialize miniaudio context: %w", err)
	}

	m.ctx = ctx
	return nil
}

// Terminate releases the miniaudio context
func (m *MalgoBackend) Terminate() error {
	if m.ctx == nil {
		return nil
	}

	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

// CreateDuplexStream opens the default capture and playback devices as one
// duplex device in float32 format
func (m *MalgoBackend) CreateDuplexStream(params StreamParams) (StreamInterface, error) {
	if m.ctx == nil {
		return nil, fmt.Errorf("miniaudio not initialized")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	stream := newMalgoStream(params)

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(params.InputChannels)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(params.OutputChannels)
	cfg.SampleRate = uint32(math.Round(params.SampleRate))
	cfg.PeriodSizeInFrames = uint32(params.BufferSize)

	device, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: stream.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open duplex device: %w", err)
	}

	stream.device = device
	return stream, nil
}

// MalgoStream implements StreamInterface for a malgo duplex device. miniaudio
// delivers interleaved bytes; the stream converts them to per-channel
// float32 blocks of at most BufferSize frames before calling back.
type MalgoStream struct {
	device   *malgo.Device
	callback StreamCallback
	active   atomic.Bool

	// Preallocated per-channel storage and the views handed to the callback.
	inBufs   [][]float32
	outBufs  [][]float32
	inViews  [][]float32
	outViews [][]float32
}

func newMalgoStream(params StreamParams) *MalgoStream {
	s := &MalgoStream{
		callback: params.Callback,
		inBufs:   make([][]float32, params.InputChannels),
		outBufs:  make([][]float32, params.OutputChannels),
		inViews:  make([][]float32, params.InputChannels),
		outViews: make([][]float32, params.OutputChannels),
	}
	for i := range s.inBufs {
		s.inBufs[i] = make([]float32, params.BufferSize)
	}
	for i := range s.outBufs {
		s.outBufs[i] = make([]float32, params.BufferSize)
	}
	return s
}

// onData is the miniaudio data callback
func (s *MalgoStream) onData(out, in []byte, framecount uint32) {
	frames := int(framecount)
	chunk := len(s.inBufs[0])

	for offset := 0; offset < frames; offset += chunk {
		n := min(chunk, frames-offset)

		for c := range s.inBufs {
			s.inViews[c] = s.inBufs[c][:n]
		}
		for c := range s.outBufs {
			s.outViews[c] = s.outBufs[c][:n]
		}

		deinterleave(in, s.inViews, offset)
		s.callback(s.inViews, s.outViews)
		interleave(s.outViews, out, offset)
	}
}

// Start starts the device
func (s *MalgoStream) Start() error {
	if s.device == nil {
		return fmt.Errorf("device is nil")
	}
	if err := s.device.Start(); err != nil {
		return err
	}
	s.active.Store(true)
	return nil
}

// Stop stops the device
func (s *MalgoStream) Stop() error {
	if s.device == nil {
		return fmt.Errorf("device is nil")
	}
	if !s.active.Load() {
		return nil
	}
	s.active.Store(false)
	return s.device.Stop()
}

// Close releases the device
func (s *MalgoStream) Close() error {
	if s.device == nil {
		return fmt.Errorf("device is nil")
	}
	s.active.Store(false)
	s.device.Uninit()
	s.device = nil
	return nil
}

// IsActive returns true while the device is running
func (s *MalgoStream) IsActive() bool {
	return s.active.Load()
}

// SampleRate returns the rate the device negotiated
func (s *MalgoStream) SampleRate() float64 {
	if s.device == nil {
		return 0
	}
	return float64(s.device.SampleRate())
}

// deinterleave copies len(dst[0]) frames starting at frame offset from
// interleaved little-endian float32 bytes into dst. Frames missing from src
// read as silence.
func deinterleave(src []byte, dst [][]float32, offset int) {
	channels := len(dst)
	for c, ch := range dst {
		for i := range ch {
			j := ((offset+i)*channels + c) * bytesPerSample
			if j+bytesPerSample > len(src) {
				ch[i] = 0
				continue
			}
			ch[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[j:]))
		}
	}
}

// interleave writes src into interleaved little-endian float32 bytes
// starting at frame offset, dropping frames that do not fit in dst
func interleave(src [][]float32, dst []byte, offset int) {
	channels := len(src)
	for c, ch := range src {
		for i, v := range ch {
			j := ((offset+i)*channels + c) * bytesPerSample
			if j+bytesPerSample > len(dst) {
				break
			}
			binary.LittleEndian.PutUint32(dst[j:], math.Float32bits(v))
		}
	}
}
