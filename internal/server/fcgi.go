package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/fcgi"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andrei-cloud/go_fcgid/internal/logging"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler answers FastCGI requests. The front end must pass SCRIPT_FILENAME.
type Handler struct {
	workers     Submitter
	opts        Options
	env         func(*http.Request) map[string]string
	activeConns int32
}

// NewHandler returns an http.Handler for use with net/http/fcgi.
func NewHandler(workers Submitter, opts Options) *Handler {
	return &Handler{workers: workers, opts: opts, env: requestEnv}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	active := atomic.AddInt32(&h.activeConns, 1)
	defer atomic.AddInt32(&h.activeConns, -1)

	env := h.env(r)
	path := env["SCRIPT_FILENAME"]
	if path == "" {
		log.Error().Str("event", "fcgi_misconfigured").Msg("Invalid FCGI configuration: No SCRIPT_FILENAME variable.")
		http.Error(w, "Error: Invalid FCGI configuration.", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	body, err := h.readBody(w, r)
	if err != nil {
		log.Warn().Err(err).Str("request_id", id).Str("script", path).Msg("request body rejected")
		http.Error(w, "Error: Request body too large.", http.StatusRequestEntityTooLarge)
		return
	}
	logging.LogRequest(id, "fcgi", r.RemoteAddr, path, len(body), int(active))

	out, err := h.workers.Submit(r.Context(), &statepool.Request{
		Script: h.opts.key(path),
		Env:    env,
		Body:   body,
	})
	elapsed := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("request_id", id).Str("script", path).Msg("request not executed")
		http.Error(w, "Error: Service unavailable.", http.StatusServiceUnavailable)
		logging.LogResponse(id, path, "unavailable", "503 Service Unavailable", 0, elapsed)
		return
	}

	switch out.Kind {
	case statepool.Success:
		resp := out.Response
		defer resp.Release()

		header := w.Header()
		header.Set("Content-Type", resp.ContentType)
		header.Set("X-ElapsedTime", strconv.FormatInt(elapsed.Milliseconds(), 10))
		for _, kv := range h.opts.Headers {
			header.Add(kv[0], kv[1])
		}
		for _, kv := range resp.Headers {
			header.Add(kv.Name, kv.Value)
		}
		w.WriteHeader(statusCode(resp.Status))
		if _, err := resp.WriteTo(w); err != nil {
			log.Warn().Err(err).Str("request_id", id).Msg("failed to write response body")
		}
		logging.LogResponse(id, out.Key, out.Kind.String(), resp.Status, len(resp.Body()), elapsed)

	case statepool.NotFound:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, notFoundBody(out.Key))
		logging.LogResponse(id, out.Key, out.Kind.String(), "404 Not Found", 0, elapsed)

	default:
		http.Error(w, "Error: Script execution failed.", http.StatusInternalServerError)
		logging.LogResponse(id, out.Key, out.Kind.String(), "500 Internal Server Error", 0, elapsed)
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	if h.opts.MaxPost <= 0 {
		return nil, errors.New("request bodies are disabled")
	}

	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxPost))
}

// requestEnv rebuilds the CGI parameters of r. net/http/fcgi folds the
// standard ones into the request and leaves the rest to ProcessEnv.
func requestEnv(r *http.Request) map[string]string {
	env := fcgi.ProcessEnv(r)
	if env == nil {
		env = make(map[string]string)
	}

	env["REQUEST_METHOD"] = r.Method
	env["REQUEST_URI"] = r.RequestURI
	env["SERVER_PROTOCOL"] = r.Proto
	env["REMOTE_ADDR"] = r.RemoteAddr
	if r.URL != nil {
		env["QUERY_STRING"] = r.URL.RawQuery
	}
	if r.Host != "" {
		env["HTTP_HOST"] = r.Host
	}
	if r.ContentLength > 0 {
		env["CONTENT_LENGTH"] = strconv.FormatInt(r.ContentLength, 10)
	}
	for name, values := range r.Header {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		switch key {
		case "CONTENT_TYPE":
			env[key] = values[0]
		default:
			env["HTTP_"+key] = strings.Join(values, ", ")
		}
	}

	return env
}

// FCGIServer serves Handler on a unix socket or a TCP address.
type FCGIServer struct {
	address  string
	handler  *Handler
	listener net.Listener
}

// NewFCGIServer prepares a FastCGI transport. Addresses containing a slash
// are unix socket paths.
func NewFCGIServer(address string, workers Submitter, opts Options) *FCGIServer {
	return &FCGIServer{address: address, handler: NewHandler(workers, opts)}
}

// Listen opens the listening socket. A stale unix socket file is removed
// first.
func (s *FCGIServer) Listen() error {
	network := "tcp"
	if strings.Contains(s.address, "/") {
		network = "unix"
		if err := os.Remove(s.address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	l, err := net.Listen(network, s.address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", network, s.address, err)
	}
	s.listener = l

	return nil
}

// Start serves until Stop. It blocks.
func (s *FCGIServer) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	log.Info().Str("address", s.address).Str("transport", "fcgi").Msg("server started")

	err := fcgi.Serve(s.listener, s.handler)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Stop closes the listener. Requests in flight finish on their own.
func (s *FCGIServer) Stop() error {
	if s.listener == nil {
		return nil
	}

	return s.listener.Close()
}
