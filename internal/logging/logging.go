package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global logger at w. Level names are zerolog's ("debug",
// "info", ...); unknown names fall back to info. Format "human" selects the
// console writer, anything else JSON.
func Setup(w io.Writer, level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(w).With().Timestamp().Logger()

	if strings.EqualFold(strings.TrimSpace(format), "human") {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339Nano,
		})
	} else {
		log.Logger = base
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// LogRequest logs a received script request.
func LogRequest(requestID, transport, client, script string, bodyLen, active int) {
	log.Info().
		Str("event", "request_received").
		Str("request_id", requestID).
		Str("transport", transport).
		Str("client_ip", client).
		Str("script", script).
		Int("body_len", bodyLen).
		Int("active_connections", active).
		Msg("received script request")
}

// LogResponse logs the outcome of a script request.
func LogResponse(requestID, script, outcome, status string, bodyLen int, elapsed time.Duration) {
	log.Info().
		Str("event", "response_sent").
		Str("request_id", requestID).
		Str("script", script).
		Str("outcome", outcome).
		Str("status", status).
		Int("body_len", bodyLen).
		Dur("elapsed", elapsed).
		Msg("sent response")
}
