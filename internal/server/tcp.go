package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/andrei-cloud/go_fcgid/internal/logging"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/andrei-cloud/go_fcgid/internal/script"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Envelope is a TCP request frame.
type Envelope struct {
	Script string            `json:"script"`
	Env    map[string]string `json:"env,omitempty"`
	Body   string            `json:"body,omitempty"`
}

// Reply is a TCP response frame. Outcome is "success", "not_found" or
// "failure".
type Reply struct {
	Outcome     string          `json:"outcome"`
	Status      string          `json:"status"`
	ContentType string          `json:"content_type"`
	Headers     []script.Header `json:"headers,omitempty"`
	Body        string          `json:"body"`
	Elapsed     int64           `json:"elapsed_ms"`
}

// TCPServer wraps the anet TCP server.
type TCPServer struct {
	address     string
	srv         *anetserver.Server
	workers     Submitter
	opts        Options
	activeConns int32
}

// NewTCPServer configures a TCP transport on address.
func NewTCPServer(address string, workers Submitter, opts Options) (*TCPServer, error) {
	cfg := &anetserver.ServerConfig{
		MaxConns:        100,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     0, // keep idle clients connected.
		ShutdownTimeout: 5 * time.Second,
		Logger:          logAdapter{},
	}

	s := &TCPServer{address: address, workers: workers, opts: opts}
	srv, err := anetserver.NewServer(address, anetserver.HandlerFunc(s.handle), cfg)
	if err != nil {
		return nil, fmt.Errorf("server setup failed: %w", err)
	}
	s.srv = srv

	return s, nil
}

// Start begins listening for connections.
func (s *TCPServer) Start() error {
	log.Info().Str("address", s.address).Str("transport", "tcp").Msg("server started")
	return s.srv.Start()
}

// Stop gracefully shuts down the server.
func (s *TCPServer) Stop() error {
	return s.srv.Stop()
}

func (s *TCPServer) handle(conn *anetserver.ServerConn, data []byte) ([]byte, error) {
	client := conn.Conn.RemoteAddr().String()
	active := atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	start := time.Now()
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("client_ip", client).Msg("malformed request")
		return nil, errors.New("malformed request")
	}
	id := uuid.NewString()
	if s.opts.MaxPost > 0 && int64(len(env.Body)) > s.opts.MaxPost {
		log.Warn().Str("request_id", id).Str("script", env.Script).Int("body_len", len(env.Body)).Msg("request body rejected")

		return encodeReply(&Reply{
			Outcome:     "rejected",
			Status:      "413 Request Entity Too Large",
			ContentType: "text/plain",
			Body:        "Error: Request body too large.",
			Elapsed:     time.Since(start).Milliseconds(),
		})
	}

	logging.LogRequest(id, "tcp", client, env.Script, len(env.Body), int(active))

	reply := s.execute(context.Background(), &env)
	reply.Elapsed = time.Since(start).Milliseconds()

	out, err := encodeReply(reply)
	if err != nil {
		return nil, err
	}
	logging.LogResponse(id, env.Script, reply.Outcome, reply.Status, len(reply.Body), time.Since(start))

	return out, nil
}

func encodeReply(reply *Reply) ([]byte, error) {
	out, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}

	return out, nil
}

func (s *TCPServer) execute(ctx context.Context, env *Envelope) *Reply {
	out, err := s.workers.Submit(ctx, &statepool.Request{
		Script: s.opts.key(env.Script),
		Env:    env.Env,
		Body:   []byte(env.Body),
	})
	if err != nil {
		return &Reply{
			Outcome:     statepool.Failure.String(),
			Status:      "503 Service Unavailable",
			ContentType: "text/plain",
			Body:        err.Error(),
		}
	}

	switch out.Kind {
	case statepool.Success:
		defer out.Response.Release()

		resp := out.Response
		headers := make([]script.Header, 0, len(s.opts.Headers)+len(resp.Headers))
		for _, h := range s.opts.Headers {
			headers = append(headers, script.Header{Name: h[0], Value: h[1]})
		}
		headers = append(headers, resp.Headers...)

		return &Reply{
			Outcome:     out.Kind.String(),
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Headers:     headers,
			Body:        string(resp.Body()),
		}
	case statepool.NotFound:
		return &Reply{
			Outcome:     out.Kind.String(),
			Status:      "404 Not Found",
			ContentType: "text/plain",
			Body:        notFoundBody(out.Key),
		}
	default:
		return &Reply{
			Outcome:     out.Kind.String(),
			Status:      "500 Internal Server Error",
			ContentType: "text/plain",
			Body:        out.Message,
		}
	}
}
