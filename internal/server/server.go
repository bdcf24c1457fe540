// Package server exposes the worker set over the network. The FastCGI
// transport serves a web server front end; the TCP transport speaks a small
// JSON framing on top of anet.
package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/rs/zerolog/log"
)

// Submitter runs a request on some worker. *worker.Set implements it.
type Submitter interface {
	Submit(ctx context.Context, req *statepool.Request) (statepool.Outcome, error)
}

// Options are shared by both transports.
type Options struct {
	// Headers are added to every successful response before the script's
	// own headers.
	Headers [][2]string
	// MaxPost limits request bodies; zero disables bodies.
	MaxPost int64
	// Key maps a script path received from the front end to a resource key.
	// Nil keeps the path as is.
	Key func(path string) string
}

func (o Options) key(path string) string {
	if o.Key == nil {
		return path
	}

	return o.Key(path)
}

// logAdapter implements the anet logger on top of zerolog.
type logAdapter struct{}

func (logAdapter) Print(v ...any) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (logAdapter) Printf(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (logAdapter) Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (logAdapter) Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func (logAdapter) Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}

// statusCode extracts the numeric code of a status line such as "404 Not
// Found". Anything unparsable is reported as 200.
func statusCode(status string) int {
	field, _, _ := strings.Cut(strings.TrimSpace(status), " ")
	code, err := strconv.Atoi(field)
	if err != nil || code < 100 || code > 999 {
		return 200
	}

	return code
}

// notFoundBody is the plain text body sent for missing scripts.
func notFoundBody(key string) string {
	return "Error: Page not found: " + key + "."
}
