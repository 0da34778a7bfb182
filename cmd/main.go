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
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-delay-go/internal/audio"
	"github.com/loqalabs/loqa-delay-go/internal/delay"
	"github.com/loqalabs/loqa-delay-go/internal/nats"
)

type config struct {
	backend         string
	sampleRate      float64
	framesPerBuffer int
	inputs          int
	maxDelaySeconds float64
	delaySeconds    float64
	feedback        float64
	wetDryRatio     float64
	routing         delay.FeedbackRouting
	natsURL         string
	effectID        string
	statusInterval  time.Duration
}

func parseFlags(fs *flag.FlagSet, args []string) (config, error) {
	var cfg config
	var routing string

	fs.StringVar(&cfg.backend, "backend", "portaudio", "Audio backend (portaudio or malgo)")
	fs.Float64Var(&cfg.sampleRate, "rate", 0, "Sample rate in Hz (0 uses the device default)")
	fs.IntVar(&cfg.framesPerBuffer, "frames", 256, "Frames per processing block")
	fs.IntVar(&cfg.inputs, "inputs", 2, "Input channels (1 or 2)")
	fs.Float64Var(&cfg.maxDelaySeconds, "max-delay", delay.DefaultMaxDelaySeconds, "Longest delay time in seconds")
	fs.Float64Var(&cfg.delaySeconds, "delay", delay.DefaultDelaySeconds, "Initial delay time in seconds")
	fs.Float64Var(&cfg.feedback, "feedback", delay.DefaultFeedback, "Initial feedback (0 to 0.95)")
	fs.Float64Var(&cfg.wetDryRatio, "mix", delay.DefaultWetDryRatio, "Initial wet/dry ratio (0 dry, 1 wet)")
	fs.StringVar(&routing, "routing", "stereo", "Feedback routing (stereo or pingpong)")
	fs.StringVar(&cfg.natsURL, "nats", "nats://localhost:4222", "NATS server URL (empty disables remote control)")
	fs.StringVar(&cfg.effectID, "id", "delay-001", "Effect identifier used in NATS subjects")
	fs.DurationVar(&cfg.statusInterval, "status", 0, "Interval between status log lines (0 disables)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	var err error
	if cfg.routing, err = delay.ParseFeedbackRouting(routing); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.backend {
	case "portaudio", "malgo":
	default:
		return fmt.Errorf("unknown audio backend %q", c.backend)
	}
	if c.sampleRate < 0 || !isFinite(c.sampleRate) {
		return fmt.Errorf("invalid sample rate: %f", c.sampleRate)
	}
	if c.framesPerBuffer < 1 {
		return fmt.Errorf("frames per block must be positive: %d", c.framesPerBuffer)
	}
	if c.inputs != 1 && c.inputs != 2 {
		return fmt.Errorf("input channels must be 1 or 2: %d", c.inputs)
	}
	if c.maxDelaySeconds < delay.MinDelaySeconds || !isFinite(c.maxDelaySeconds) {
		return fmt.Errorf("max delay must be at least %g s: %f", delay.MinDelaySeconds, c.maxDelaySeconds)
	}
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"delay", c.delaySeconds},
		{"feedback", c.feedback},
		{"mix", c.wetDryRatio},
	} {
		if !isFinite(v.value) {
			return fmt.Errorf("%s must be a finite number", v.name)
		}
	}
	if c.effectID == "" {
		return errors.New("effect id must not be empty")
	}
	if c.statusInterval < 0 {
		return fmt.Errorf("status interval must not be negative: %v", c.statusInterval)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func newBackend(name string) (audio.AudioBackend, error) {
	switch name {
	case "portaudio":
		return audio.NewPortAudioBackend(), nil
	case "malgo":
		return audio.NewMalgoBackend(), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
}

type closer interface {
	Close()
}

// controlFactory starts a remote control surface for the running effect
type controlFactory func(cfg config, effect *delay.Effect, transport nats.Transport) (closer, error)

func natsControl(cfg config, effect *delay.Effect, transport nats.Transport) (closer, error) {
	subscriber, err := nats.NewControlSubscriber(cfg.natsURL, cfg.effectID, effect, transport)
	if err != nil {
		return nil, err
	}
	if err := subscriber.Start(); err != nil {
		subscriber.Close()
		return nil, err
	}
	return subscriber, nil
}

// run processes audio until ctx is cancelled
func run(ctx context.Context, cfg config, backend audio.AudioBackend, control controlFactory) error {
	session, err := audio.NewSession(backend, audio.SessionConfig{
		SampleRate:      cfg.sampleRate,
		FramesPerBuffer: cfg.framesPerBuffer,
		InputChannels:   cfg.inputs,
	})
	if err != nil {
		return err
	}

	rate, err := session.Open()
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Printf("⚠️  Error closing audio session: %v", err)
		}
	}()
	log.Printf("🎧 Audio device running at %.0f Hz, %d frames per block", rate, cfg.framesPerBuffer)

	effect, err := delay.NewEffect(rate,
		delay.WithMaxDelaySeconds(cfg.maxDelaySeconds),
		delay.WithFeedbackRouting(cfg.routing),
		delay.WithInitialParams(cfg.delaySeconds, cfg.feedback, cfg.wetDryRatio),
	)
	if err != nil {
		return fmt.Errorf("failed to create delay effect: %w", err)
	}
	if err := session.SetProcessor(effect); err != nil {
		return err
	}

	if cfg.natsURL != "" && control != nil {
		surface, err := control(cfg, effect, session)
		if err != nil {
			return fmt.Errorf("failed to start NATS control: %w", err)
		}
		defer surface.Close()
	} else {
		log.Println("🔕 Remote control disabled")
	}

	if err := session.Start(false); err != nil {
		return err
	}
	logStatus(effect, session)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		log.Println("🛑 Shutting down delay service...")
		return session.Suspend()
	})
	if cfg.statusInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(cfg.statusInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					logStatus(effect, session)
				}
			}
		})
	}
	return g.Wait()
}

func logStatus(effect *delay.Effect, session *audio.Session) {
	params := effect.Params()
	state := "stopped"
	if session.IsPlaying() {
		state = "playing"
	}
	log.Printf("🎛️  %s | delay %s (%d samples) | feedback %s | wet/dry %s | routing %s",
		state, params.DelaySeconds.Text(), effect.DelaySamples(),
		params.Feedback.Text(), params.WetDryRatio.Text(), effect.FeedbackRouting())
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	cfg, err := parseFlags(flag.NewFlagSet(os.Args[0], flag.ContinueOnError), os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	log.Printf("🚀 Starting Loqa Delay Service")
	log.Printf("📋 Effect ID: %s", cfg.effectID)
	log.Printf("🔊 Audio backend: %s", cfg.backend)

	backend, err := newBackend(cfg.backend)
	if err != nil {
		log.Fatalf("❌ Failed to select audio backend: %v", err)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	fmt.Println()
	fmt.Println("🎚️  Loqa Delay - Audio Effect Active!")
	fmt.Println("====================================")
	fmt.Println("⏹️  Press Ctrl+C to stop")
	fmt.Println()

	if err := run(ctx, cfg, backend, natsControl); err != nil {
		log.Fatalf("❌ Delay service failed: %v", err)
	}
	log.Println("👋 Delay service stopped")
}
