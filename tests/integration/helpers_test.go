//go:build integration

package integration

import (
	"os"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	if os.Getenv("INTEGRATION_VERBOSE") != "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.Nop()
}
