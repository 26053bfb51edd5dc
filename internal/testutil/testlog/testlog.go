package testlog

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var configureOnce sync.Once

// Start configures test logging once and tags the current test.
func Start(t *testing.T) {
	t.Helper()
	configureOnce.Do(func() {
		level := zerolog.WarnLevel
		switch strings.ToLower(strings.TrimSpace(os.Getenv("TELEOPCTL_TEST_LOG"))) {
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "disabled", "off":
			level = zerolog.Disabled
		}
		output := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}
		log.Logger = zerolog.New(output).Level(level).With().Logger()
	})
	log.Debug().Str("test", t.Name()).Msg("start")
}
