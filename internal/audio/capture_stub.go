//go:build !portaudio

package audio

import (
	"fmt"

	"dictum/internal/config"

	"github.com/sirupsen/logrus"
)

func newPlatformCapture(_ *config.Config, _ *logrus.Logger, _ func([]byte)) (Capture, error) {
	return nil, fmt.Errorf("no capture backend in this build; rebuild with -tags portaudio")
}
