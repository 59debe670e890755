//go:build portaudio

package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dictum/internal/config"

	"github.com/gordonklaus/portaudio"
	vad "github.com/maxhawkins/go-webrtcvad"
	"github.com/sirupsen/logrus"
)

// portaudioCapture reads mono 16-bit frames from the selected input device
// and pushes them into the sink. A webrtc VAD marks speech frames so status
// surfaces can report when the user last spoke.
type portaudioCapture struct {
	cfg    *config.Config
	logger *logrus.Logger
	sink   func([]byte)
	vad    *vad.VAD

	mu        sync.Mutex
	running   bool
	done      chan struct{}
	lastVoice time.Time
}

func newPlatformCapture(cfg *config.Config, logger *logrus.Logger, sink func([]byte)) (Capture, error) {
	if cfg.Audio.Channels != 1 {
		return nil, fmt.Errorf("only mono input supported; set audio.channels = 1")
	}
	if cfg.Audio.FrameMS != 10 && cfg.Audio.FrameMS != 20 && cfg.Audio.FrameMS != 30 {
		return nil, fmt.Errorf("audio.frame_ms must be 10, 20, or 30 (got %d)", cfg.Audio.FrameMS)
	}
	switch cfg.Audio.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("sample_rate must be 8k/16k/32k/48k for webrtc VAD (got %d)", cfg.Audio.SampleRate)
	}
	v := vad.New()
	if err := v.SetMode(2); err != nil {
		return nil, fmt.Errorf("vad mode: %w", err)
	}
	return &portaudioCapture{cfg: cfg, logger: logger, sink: sink, vad: v}, nil
}

func (c *portaudioCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("capture already running")
	}
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		c.finish()
		return fmt.Errorf("portaudio init: %w", err)
	}

	dev, err := selectDevice(c.cfg.Audio.DeviceName)
	if err != nil {
		portaudio.Terminate()
		c.finish()
		return err
	}

	frameSamples := c.cfg.Audio.SampleRate * c.cfg.Audio.FrameMS / 1000
	if ok := vad.ValidRateAndFrameLength(c.cfg.Audio.SampleRate, frameSamples); !ok {
		portaudio.Terminate()
		c.finish()
		return fmt.Errorf("invalid frame_ms %d for sample_rate %d", c.cfg.Audio.FrameMS, c.cfg.Audio.SampleRate)
	}

	buf := make([]int16, frameSamples)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: c.cfg.Audio.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.cfg.Audio.SampleRate),
		FramesPerBuffer: frameSamples,
	}, &buf)
	if err != nil {
		portaudio.Terminate()
		c.finish()
		return fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		c.finish()
		return fmt.Errorf("start stream: %w", err)
	}

	c.logger.Infof("capturing from mic: %s @ %d Hz", dev.Name, c.cfg.Audio.SampleRate)

	go func() {
		defer func() {
			_ = stream.Stop()
			_ = stream.Close()
			portaudio.Terminate()
			c.finish()
		}()
		frame := make([]byte, frameSamples*2)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			default:
			}
			if err := stream.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					c.logger.Warn("input overflow")
					continue
				}
				c.logger.Errorf("stream read: %v", err)
				return
			}
			if voice := c.vad.Process(c.cfg.Audio.SampleRate, buf); voice {
				c.mu.Lock()
				c.lastVoice = time.Now()
				c.mu.Unlock()
			}
			for i, s := range buf {
				binary.LittleEndian.PutUint16(frame[i*2:i*2+2], uint16(s))
			}
			c.sink(frame)
		}
	}()
	return nil
}

func (c *portaudioCapture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	done := c.done
	c.mu.Unlock()
	close(done)
	// Give the read loop a moment to flush its last frame into the sink.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// LastVoice reports when the VAD last saw speech.
func (c *portaudioCapture) LastVoice() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastVoice
}

func (c *portaudioCapture) finish() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func selectDevice(preferred string) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if preferred != "" {
		for _, d := range devs {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(preferred)) {
				return d, nil
			}
		}
	}
	if def := portaudio.DefaultInputDevice(); def != nil {
		return def, nil
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input devices found")
}
