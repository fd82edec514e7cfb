package testlog

import (
	"testing"

	"github.com/danmuck/canbridge/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}

// Logger returns a component logger for code under test.
func Logger(t *testing.T, component string) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	return logging.Component(component).With().Str("test", t.Name()).Logger()
}
