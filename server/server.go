// Package server accepts kvs protocol connections and runs each request
// against an engine. Every connection carries exactly one request.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pro0o/kvs/engine"
	"github.com/pro0o/kvs/protocol"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

type Server struct {
	engine  engine.Engine
	addr    string
	timeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	closing  bool // guarded by mu, no conns.Add once set
	conns    sync.WaitGroup
}

func New(e engine.Engine, addr string) *Server {
	return &Server{
		engine:  e,
		addr:    addr,
		timeout: defaultTimeout,
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after a clean shutdown,
// once every in-flight connection has been answered.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				log.Info().Msg("Server stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Msg("Accept timed out")
				continue
			}
			s.conns.Wait()
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns.Add(1)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

// Addr is the bound address, or nil before Serve starts.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and waits for open connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.conns.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		log.Warn().Err(err).Msg("Failed to set connection deadline")
	}

	remote := conn.RemoteAddr().String()
	start := time.Now()

	var resp protocol.Response
	req, err := protocol.ReadRequest(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("Rejected request")
		resp = protocol.Err(err)
	} else {
		resp = s.dispatch(req)
	}

	if err := protocol.WriteResponse(conn, resp); err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("Failed to write response")
		return
	}

	log.Debug().
		Str("remote", remote).
		Str("op", string(req.Op)).
		Str("key", req.Key).
		Bool("ok", resp.Ok).
		Dur("took", time.Since(start)).
		Msg("Handled request")
}

// dispatch runs req against the engine. Engine errors become Err responses;
// nothing here can take the process down.
func (s *Server) dispatch(req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("op", string(req.Op)).Msg("Recovered from panic")
			resp = protocol.Response{Err: "internal error", Kind: protocol.KindInternal}
		}
	}()

	switch req.Op {
	case protocol.OpGet:
		val, found, err := s.engine.Get(req.Key)
		if err != nil {
			return protocol.Err(err)
		}
		if !found {
			return protocol.Ok(nil)
		}
		return protocol.OkValue(val)

	case protocol.OpSet:
		if err := s.engine.Set(req.Key, *req.Value); err != nil {
			return protocol.Err(err)
		}
		return protocol.Ok(nil)

	case protocol.OpRemove:
		if err := s.engine.Remove(req.Key); err != nil {
			return protocol.Err(err)
		}
		return protocol.Ok(nil)
	}
	return protocol.Err(fmt.Errorf("unknown op %q: %w", req.Op, protocol.ErrBadRequest))
}
