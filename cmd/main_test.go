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

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-delay-go/internal/audio"
	"github.com/loqalabs/loqa-delay-go/internal/delay"
	"github.com/loqalabs/loqa-delay-go/internal/nats"
)

func parseTestFlags(args ...string) (config, error) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseFlags(fs, args)
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseTestFlags()
	require.NoError(t, err)

	assert.Equal(t, "portaudio", cfg.backend)
	assert.Zero(t, cfg.sampleRate)
	assert.Equal(t, 256, cfg.framesPerBuffer)
	assert.Equal(t, 2, cfg.inputs)
	assert.Equal(t, delay.DefaultMaxDelaySeconds, cfg.maxDelaySeconds)
	assert.Equal(t, 0.5, cfg.delaySeconds)
	assert.Equal(t, 0.5, cfg.feedback)
	assert.Equal(t, 0.5, cfg.wetDryRatio)
	assert.Equal(t, delay.RoutingStereo, cfg.routing)
	assert.Equal(t, "nats://localhost:4222", cfg.natsURL)
	assert.Equal(t, "delay-001", cfg.effectID)
	assert.Zero(t, cfg.statusInterval)
}

func TestParseFlags_Overrides(t *testing.T) {
	cfg, err := parseTestFlags(
		"-backend", "malgo",
		"-rate", "48000",
		"-frames", "128",
		"-inputs", "1",
		"-max-delay", "4",
		"-delay", "0.375",
		"-feedback", "0.7",
		"-mix", "0.3",
		"-routing", "ping-pong",
		"-nats", "",
		"-id", "stage-left",
		"-status", "5s",
	)
	require.NoError(t, err)

	assert.Equal(t, "malgo", cfg.backend)
	assert.Equal(t, 48000.0, cfg.sampleRate)
	assert.Equal(t, 128, cfg.framesPerBuffer)
	assert.Equal(t, 1, cfg.inputs)
	assert.Equal(t, 4.0, cfg.maxDelaySeconds)
	assert.Equal(t, 0.375, cfg.delaySeconds)
	assert.Equal(t, 0.7, cfg.feedback)
	assert.Equal(t, 0.3, cfg.wetDryRatio)
	assert.Equal(t, delay.RoutingPingPong, cfg.routing)
	assert.Empty(t, cfg.natsURL)
	assert.Equal(t, "stage-left", cfg.effectID)
	assert.Equal(t, 5*time.Second, cfg.statusInterval)
}

func TestParseFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown_backend", args: []string{"-backend", "alsa"}},
		{name: "negative_rate", args: []string{"-rate", "-1"}},
		{name: "infinite_rate", args: []string{"-rate", "+Inf"}},
		{name: "zero_frames", args: []string{"-frames", "0"}},
		{name: "three_inputs", args: []string{"-inputs", "3"}},
		{name: "tiny_max_delay", args: []string{"-max-delay", "0.0001"}},
		{name: "nan_feedback", args: []string{"-feedback", "NaN"}},
		{name: "unknown_routing", args: []string{"-routing", "spiral"}},
		{name: "empty_id", args: []string{"-id", ""}},
		{name: "negative_status", args: []string{"-status", "-1s"}},
		{name: "unknown_flag", args: []string{"-hub", "localhost:3000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTestFlags(tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestParseFlags_ReportsFirstNonFiniteParam(t *testing.T) {
	for i := 0; i < 20; i++ {
		_, err := parseTestFlags("-delay", "NaN", "-feedback", "NaN", "-mix", "NaN")
		require.Error(t, err)
		assert.Equal(t, "delay must be a finite number", err.Error())
	}

	_, err := parseTestFlags("-feedback", "+Inf", "-mix", "NaN")
	assert.EqualError(t, err, "feedback must be a finite number")
}

func TestParseFlags_Help(t *testing.T) {
	_, err := parseTestFlags("-h")
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestNewBackend(t *testing.T) {
	backend, err := newBackend("portaudio")
	require.NoError(t, err)
	assert.IsType(t, &audio.PortAudioBackend{}, backend)

	backend, err = newBackend("malgo")
	require.NoError(t, err)
	assert.IsType(t, &audio.MalgoBackend{}, backend)

	_, err = newBackend("jack")
	assert.Error(t, err)
}

type fakeControl struct {
	effect    *delay.Effect
	transport nats.Transport
	closed    bool
}

func (f *fakeControl) Close() { f.closed = true }

func (f *fakeControl) factory(_ config, effect *delay.Effect, transport nats.Transport) (closer, error) {
	f.effect = effect
	f.transport = transport
	return f, nil
}

func testConfig(t *testing.T) config {
	t.Helper()
	cfg, err := parseTestFlags("-frames", "64", "-nats", "")
	require.NoError(t, err)
	return cfg
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestRun_StopsOnCancel(t *testing.T) {
	backend := audio.NewMockAudioBackend()

	err := run(cancelledContext(), testConfig(t), backend, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return backend.StreamCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_WiresControlSurface(t *testing.T) {
	backend := audio.NewMockAudioBackend()
	backend.SetDeviceSampleRate(48000)
	cfg := testConfig(t)
	cfg.natsURL = "nats://localhost:4222"
	cfg.feedback = 0.8

	control := &fakeControl{}
	err := run(cancelledContext(), cfg, backend, control.factory)
	require.NoError(t, err)

	require.NotNil(t, control.effect)
	assert.Equal(t, 48000.0, control.effect.SampleRate())
	assert.Equal(t, 0.8, control.effect.Feedback())
	assert.NotNil(t, control.transport)
	assert.True(t, control.closed, "control surface is closed on shutdown")
}

func TestRun_SkipsControlWithoutURL(t *testing.T) {
	control := &fakeControl{}
	err := run(cancelledContext(), testConfig(t), audio.NewMockAudioBackend(), control.factory)
	require.NoError(t, err)
	assert.Nil(t, control.effect)
}

func TestRun_Failures(t *testing.T) {
	t.Run("audio_backend", func(t *testing.T) {
		backend := audio.NewMockAudioBackend()
		backend.SetInitError(errors.New("no device"))

		err := run(cancelledContext(), testConfig(t), backend, nil)
		assert.ErrorContains(t, err, "failed to initialize audio backend")
	})

	t.Run("control_surface", func(t *testing.T) {
		backend := audio.NewMockAudioBackend()
		cfg := testConfig(t)
		cfg.natsURL = "nats://localhost:4222"
		failing := func(config, *delay.Effect, nats.Transport) (closer, error) {
			return nil, errors.New("connection refused")
		}

		err := run(cancelledContext(), cfg, backend, failing)
		assert.ErrorContains(t, err, "failed to start NATS control")
		assert.Eventually(t, func() bool { return backend.StreamCount() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("effect_too_large", func(t *testing.T) {
		backend := audio.NewMockAudioBackend()
		backend.SetDeviceSampleRate(192000)
		cfg := testConfig(t)
		cfg.maxDelaySeconds = 1e6

		err := run(cancelledContext(), cfg, backend, nil)
		assert.ErrorIs(t, err, delay.ErrInvalidConfiguration)
	})
}

func TestRun_StatusTicker(t *testing.T) {
	cfg := testConfig(t)
	cfg.statusInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := run(ctx, cfg, audio.NewMockAudioBackend(), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
