package audio

import (
	"context"

	"dictum/internal/config"

	"github.com/sirupsen/logrus"
)

// Capture is the start/stop contract the recording session drives. The
// concrete backend (microphone driver, helper process) is chosen at startup;
// the core only consumes the bytes it pushes into the sink.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
}

// CaptureFactory builds a capture backend that appends frames via sink.
// Stop must flush any buffered frames before returning, so a reader that
// acquires the buffer lock afterwards observes all captured audio.
type CaptureFactory func(cfg *config.Config, logger *logrus.Logger, sink func([]byte)) (Capture, error)

// NewCapture returns the default backend for this build.
func NewCapture(cfg *config.Config, logger *logrus.Logger, sink func([]byte)) (Capture, error) {
	return newPlatformCapture(cfg, logger, sink)
}
