// Package server exposes the control service on a unix socket. One frame in,
// one or more frames out; connections are independent and concurrent.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tunctl/internal/ctrl"
	"tunctl/internal/observability"
	"tunctl/internal/protocol"
	"tunctl/internal/protocol/frame"
)

var (
	ErrNotUnixConn  = errors.New("server: control connection is not a unix socket")
	ErrUnauthorized = errors.New("server: peer is not authorized")
)

// Authorizer accepts or rejects a freshly accepted control connection.
type Authorizer func(net.Conn) error

// Server accepts control connections on a unix socket and dispatches frames
// to the control service.
type Server struct {
	svc       *ctrl.Service
	log       zerolog.Logger
	path      string
	limits    frame.Limits
	authorize Authorizer

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

func New(svc *ctrl.Service, log zerolog.Logger, socketPath string) *Server {
	return &Server{
		svc:       svc,
		log:       log,
		path:      socketPath,
		limits:    frame.DefaultLimits(),
		authorize: RequireRootPeer,
	}
}

// SetAuthorizer replaces the peer check. Tests substitute an allow-all.
func (s *Server) SetAuthorizer(a Authorizer) {
	s.authorize = a
}

// Listen binds the control socket, replacing a stale socket file from a
// previous run.
func (s *Server) Listen() error {
	if fi, err := os.Stat(s.path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket mode: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("socket", s.path).Msg("control socket listening")
	return nil
}

// Serve accepts connections until Close. Each connection is handled on its
// own goroutine.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve before Listen")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, closes the socket and waits for in-flight
// connections to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.path)
	return err
}

// RequireRootPeer admits only uid 0, checked against the socket peer
// credentials.
func RequireRootPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ErrNotUnixConn
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if credErr != nil {
		return credErr
	}
	if cred.Uid != 0 {
		return fmt.Errorf("%w: uid %d", ErrUnauthorized, cred.Uid)
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if err := s.authorize(conn); err != nil {
		s.log.Warn().Err(err).Msg("rejecting control connection")
		return
	}
	for {
		f, err := frame.ReadFrame(conn, s.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("control connection closed")
			}
			return
		}
		if f.Header.Version != protocol.Version {
			s.writeError(conn, f.Header, uint32(unix.EPROTONOSUPPORT))
			continue
		}
		switch f.Header.Cmd {
		case protocol.CmdSetDevice:
			s.handleSet(conn, f)
		case protocol.CmdGetDevice:
			s.handleGet(conn, f)
		default:
			s.writeError(conn, f.Header, uint32(unix.EOPNOTSUPP))
		}
	}
}

// handleSet applies a mutation and replies with a single status frame. The
// request payload may carry key material, so it is erased before the reply
// regardless of outcome.
func (s *Server) handleSet(conn net.Conn, f frame.Frame) {
	start := time.Now()
	err := s.svc.SetDevice(f.Payload)
	for i := range f.Payload {
		f.Payload[i] = 0
	}
	code := ctrl.Code(err)
	observability.RecordCtrlRequest("set_device", code, time.Since(start))
	if err != nil {
		s.log.Warn().Err(err).Uint32("code", code).Msg("set device failed")
		s.writeError(conn, f.Header, code)
		return
	}
	reply := frame.Frame{Header: frame.Header{
		Cmd:     protocol.CmdSetDevice,
		Version: protocol.Version,
		Seq:     f.Header.Seq,
	}}
	if err := frame.WriteFrame(conn, reply, s.limits); err != nil {
		s.log.Debug().Err(err).Msg("writing set reply")
	}
}

// handleGet streams the dump as FlagMulti frames, sequence-stamped with the
// device generation, and finishes with an empty FlagDone frame.
func (s *Server) handleGet(conn net.Conn, f frame.Frame) {
	start := time.Now()
	sess, err := s.svc.StartDump(f.Payload)
	if err != nil {
		code := ctrl.Code(err)
		observability.RecordCtrlRequest("get_device", code, time.Since(start))
		s.writeError(conn, f.Header, code)
		return
	}
	observability.DumpSessionOpened()
	defer func() {
		sess.Close()
		observability.DumpSessionClosed()
	}()

	for {
		payload, gen, done, err := sess.Next()
		if err != nil {
			code := ctrl.Code(err)
			observability.RecordCtrlRequest("get_device", code, time.Since(start))
			s.log.Warn().Err(err).Uint32("code", code).Msg("dump failed")
			s.writeError(conn, f.Header, code)
			return
		}
		observability.RecordDumpTurn()
		msg := frame.Frame{
			Header: frame.Header{
				Cmd:     protocol.CmdGetDevice,
				Version: protocol.Version,
				Flags:   frame.FlagMulti,
				Seq:     gen,
			},
			Payload: payload,
		}
		if err := frame.WriteFrame(conn, msg, s.limits); err != nil {
			s.log.Debug().Err(err).Msg("writing dump frame")
			return
		}
		if done {
			fin := frame.Frame{Header: frame.Header{
				Cmd:     protocol.CmdGetDevice,
				Version: protocol.Version,
				Flags:   frame.FlagMulti | frame.FlagDone,
				Seq:     gen,
			}}
			if err := frame.WriteFrame(conn, fin, s.limits); err != nil {
				s.log.Debug().Err(err).Msg("writing dump terminator")
			}
			observability.RecordCtrlRequest("get_device", 0, time.Since(start))
			return
		}
	}
}

func (s *Server) writeError(conn net.Conn, req frame.Header, code uint32) {
	reply := frame.Frame{Header: frame.Header{
		Cmd:     req.Cmd,
		Version: protocol.Version,
		Flags:   frame.FlagError,
		Seq:     req.Seq,
		Code:    code,
	}}
	if err := frame.WriteFrame(conn, reply, s.limits); err != nil {
		s.log.Debug().Err(err).Msg("writing error reply")
	}
}
