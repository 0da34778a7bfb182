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
	"math"
	"sync"
	"time"
)

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	terminateError     error
	createStreamError  error
	deviceSampleRate   float64
	simulateRealTiming bool
	playbackAudioData  [][][]float32
}

// NewMockAudioBackend creates a new mock audio backend. Streams opened with a
// sample rate of 0 run at 44100 Hz.
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		streams:           make(map[string]*MockStream),
		deviceSampleRate:  44100,
		playbackAudioData: make([][][]float32, 0),
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetTerminateError configures the backend to return an error on Terminate()
func (m *MockAudioBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetCreateStreamError configures the backend to return an error on stream creation
func (m *MockAudioBackend) SetCreateStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createStreamError = err
}

// SetDeviceSampleRate sets the rate reported for streams that ask for the device default
func (m *MockAudioBackend) SetDeviceSampleRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceSampleRate = rate
}

// SetSimulateRealTiming controls whether started streams call back on a
// ticker at the block rate. When disabled, tests drive blocks with Pump.
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// GetPlaybackAudioData returns every output block that was "played back",
// one entry per block, one slice per channel
func (m *MockAudioBackend) GetPlaybackAudioData() [][][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][][]float32, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// StreamCount returns the number of open streams
func (m *MockAudioBackend) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate closes any remaining streams and terminates the mock audio subsystem
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		m.mu.Unlock()
		return m.terminateError
	}

	var streams []*MockStream
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}

	// Release the lock before calling Stop/Close to avoid deadlocks
	m.mu.Unlock()

	for _, stream := range streams {
		_ = stream.Stop()  // Ignore errors during cleanup
		_ = stream.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// CreateDuplexStream creates a mock duplex stream
func (m *MockAudioBackend) CreateDuplexStream(params StreamParams) (StreamInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}

	if m.createStreamError != nil {
		return nil, m.createStreamError
	}

	if err := params.validate(); err != nil {
		return nil, err
	}

	sampleRate := params.SampleRate
	if sampleRate == 0 {
		sampleRate = m.deviceSampleRate
	}

	streamID := fmt.Sprintf("duplex_%d", m.streamCounter)
	m.streamCounter++

	stream := &MockStream{
		id:                 streamID,
		backend:            m,
		sampleRate:         sampleRate,
		bufferSize:         params.BufferSize,
		callback:           params.Callback,
		isOpen:             true,
		simulateRealTiming: m.simulateRealTiming,
		in:                 makeChannels(params.InputChannels, params.BufferSize),
		out:                makeChannels(params.OutputChannels, params.BufferSize),
	}

	m.streams[streamID] = stream
	return stream, nil
}

func makeChannels(channels, frames int) [][]float32 {
	bufs := make([][]float32, channels)
	for i := range bufs {
		bufs[i] = make([]float32, frames)
	}
	return bufs
}

// MockStream implements StreamInterface for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	sampleRate         float64
	bufferSize         int
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	callback           StreamCallback
	stopChannel        chan struct{}
	startError         error
	stopError          error
	closeError         error
	blocksProcessed    int
	in                 [][]float32
	out                [][]float32
	audioDataGenerator func(channel int, block []float32) // For generating mock microphone input
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetStopError configures the stream to return an error on Stop()
func (m *MockStream) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// SetCloseError configures the stream to return an error on Close()
func (m *MockStream) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// SetAudioDataGenerator sets a function that fills each input channel block
func (m *MockStream) SetAudioDataGenerator(generator func(channel int, block []float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioDataGenerator = generator
}

// BlocksProcessed returns how many blocks the callback has handled
func (m *MockStream) BlocksProcessed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocksProcessed
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}

	if !m.isOpen {
		return fmt.Errorf("stream not open")
	}

	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true

	if m.simulateRealTiming {
		m.stopChannel = make(chan struct{})
		go m.simulateAudioDevice(m.stopChannel)
	}

	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopError != nil {
		return m.stopError
	}

	m.halt()
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeError != nil {
		return m.closeError
	}

	if !m.isOpen {
		return nil // Already closed
	}

	m.halt()
	m.isOpen = false

	// Remove from backend - use a separate goroutine to avoid deadlock
	go func() {
		m.backend.mu.Lock()
		delete(m.backend.streams, m.id)
		m.backend.mu.Unlock()
	}()

	return nil
}

// halt deactivates the stream; callers hold m.mu
func (m *MockStream) halt() {
	if !m.isActive {
		return
	}
	m.isActive = false
	if m.stopChannel != nil {
		close(m.stopChannel)
		m.stopChannel = nil
	}
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

// SampleRate returns the stream's sample rate
func (m *MockStream) SampleRate() float64 {
	return m.sampleRate
}

// Pump synchronously runs the callback for n blocks, as the device would
// while the stream is active. It fails if the stream is not active.
func (m *MockStream) Pump(n int) error {
	for i := 0; i < n; i++ {
		if err := m.runBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockStream) runBlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActive {
		return fmt.Errorf("stream %s not active", m.id)
	}

	for c, block := range m.in {
		if m.audioDataGenerator != nil {
			m.audioDataGenerator(c, block)
			continue
		}
		// Default: 440 Hz sine wave continuing across blocks
		for i := range block {
			t := float64(m.blocksProcessed*m.bufferSize+i) / m.sampleRate
			block[i] = float32(0.1 * math.Sin(2*math.Pi*440*t))
		}
	}

	m.callback(m.in, m.out)
	m.blocksProcessed++

	played := make([][]float32, len(m.out))
	for c, block := range m.out {
		played[c] = append([]float32(nil), block...)
	}

	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, played)
	m.backend.mu.Unlock()

	return nil
}

// simulateAudioDevice runs in background to call back at the block rate
func (m *MockStream) simulateAudioDevice(stop <-chan struct{}) {
	period := time.Duration(float64(m.bufferSize) / m.sampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.runBlock(); err != nil {
				return
			}
		}
	}
}
