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
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Processor consumes one stereo block and fills the output block in place
type Processor interface {
	Process(inLeft, inRight, outLeft, outRight []float32)
}

// SessionConfig describes the stream a Session opens
type SessionConfig struct {
	SampleRate      float64 // 0 selects the device default
	FramesPerBuffer int
	InputChannels   int // 1 (mono microphone, duplicated to both sides) or 2
}

// DefaultSessionConfig matches a 256-frame host block on a stereo input
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate:      0,
		FramesPerBuffer: 256,
		InputChannels:   2,
	}
}

// Session runs a Processor on a live duplex stream: microphone in, speakers out.
//
// Open the session first to learn the device sample rate, build the
// processor for that rate, attach it, then Start. Suspend and Resume act as a
// play/stop switch: while suspended the device keeps running but outputs
// silence and the processor is not called.
type Session struct {
	backend AudioBackend
	config  SessionConfig

	mu        sync.Mutex
	stream    StreamInterface
	processor Processor
	started   bool

	playing atomic.Bool
}

// NewSession creates a session on backend. It does not touch the device.
func NewSession(backend AudioBackend, config SessionConfig) (*Session, error) {
	if backend == nil {
		return nil, errors.New("audio backend is nil")
	}
	if config.FramesPerBuffer < 1 {
		return nil, fmt.Errorf("frames per buffer must be >= 1: %d", config.FramesPerBuffer)
	}
	if config.InputChannels != 1 && config.InputChannels != 2 {
		return nil, fmt.Errorf("input channels must be 1 or 2: %d", config.InputChannels)
	}
	if config.SampleRate < 0 {
		return nil, fmt.Errorf("sample rate must be >= 0: %f", config.SampleRate)
	}
	return &Session{backend: backend, config: config}, nil
}

// Open initializes the backend and opens the duplex stream. It returns the
// sample rate the device runs at.
func (s *Session) Open() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return s.stream.SampleRate(), nil
	}

	if err := s.backend.Initialize(); err != nil {
		return 0, fmt.Errorf("failed to initialize audio backend: %w", err)
	}

	stream, err := s.backend.CreateDuplexStream(StreamParams{
		SampleRate:     s.config.SampleRate,
		InputChannels:  s.config.InputChannels,
		OutputChannels: 2,
		BufferSize:     s.config.FramesPerBuffer,
		Callback:       s.process,
	})
	if err != nil {
		_ = s.backend.Terminate() // Ignore errors during cleanup
		return 0, fmt.Errorf("failed to open duplex stream: %w", err)
	}

	s.stream = stream
	log.Printf("🎛️  Audio: Duplex stream open at %.0f Hz, %d frames per block, %d input channel(s)",
		stream.SampleRate(), s.config.FramesPerBuffer, s.config.InputChannels)
	return stream.SampleRate(), nil
}

// SetProcessor attaches the processor. It must be called before Start.
func (s *Session) SetProcessor(p Processor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("cannot replace processor on a started session")
	}
	s.processor = p
	return nil
}

// Start starts the device. The session begins playing unless startSuspended is set.
func (s *Session) Start(startSuspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return errors.New("session not open")
	}
	if s.processor == nil {
		return errors.New("no processor attached")
	}
	if s.started {
		return errors.New("session already started")
	}

	s.playing.Store(!startSuspended)
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	s.started = true

	if startSuspended {
		log.Println("⏸️  Audio: Stream started suspended")
	} else {
		log.Println("▶️  Audio: Stream started")
	}
	return nil
}

// Suspend mutes the output and stops feeding the processor
func (s *Session) Suspend() error {
	if s.playing.CompareAndSwap(true, false) {
		log.Println("⏸️  Audio: Suspended")
	}
	return nil
}

// Resume feeds the processor again
func (s *Session) Resume() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("session not started")
	}

	if s.playing.CompareAndSwap(false, true) {
		log.Println("▶️  Audio: Resumed")
	}
	return nil
}

// IsPlaying reports whether blocks are currently being processed
func (s *Session) IsPlaying() bool {
	return s.playing.Load()
}

// Close stops and closes the stream and terminates the backend
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.playing.Store(false)
	if s.stream == nil {
		return nil
	}

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stream: %w", err))
	}
	if err := s.backend.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate audio backend: %w", err))
	}

	s.stream = nil
	s.started = false
	log.Println("🔇 Audio: Session closed")
	return errors.Join(errs...)
}

// process is the stream callback. It runs on the audio thread.
func (s *Session) process(in, out [][]float32) {
	if len(out) < 2 {
		return
	}
	if !s.playing.Load() || len(in) == 0 {
		clear(out[0])
		clear(out[1])
		return
	}

	left := in[0]
	right := left
	if len(in) > 1 {
		right = in[1]
	}
	s.processor.Process(left, right, out[0], out[1])
}
