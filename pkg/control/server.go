package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/metrics"
	"github.com/stewardproject/steward/pkg/types"
)

// Handler is the engine-side implementation of the control commands.
type Handler interface {
	// Status returns a live snapshot. The server bounds the call; when
	// it overruns, DegradedStatus is returned instead.
	Status(ctx context.Context) (*StatusData, error)
	// DegradedStatus returns the last cached snapshot without touching
	// the scheduler.
	DegradedStatus() *StatusData

	Pause() error
	Resume() error
	Interrupt() error

	FileIssue(ctx context.Context, args FileArgs) (string, error)
	CommentIssue(ctx context.Context, args CommentArgs) error
	UpdateIssue(ctx context.Context, args UpdateArgs) error
	InspectIssue(id string) (*types.IssueRecord, error)
	ListIssues(args ListArgs) ([]IssueSummary, error)

	// RecordCommand persists an accepted mutating command for auditing.
	RecordCommand(rec types.CommandRecord)
}

// Server accepts control connections on a unix socket.
type Server struct {
	path    string
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer creates a control server bound to the given socket path.
func NewServer(path string, handler Handler) *Server {
	return &Server{
		path:    path,
		handler: handler,
		logger:  log.WithComponent("control"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and begins serving. A stale socket file from a
// dead engine is removed first.
func (s *Server) Start() error {
	if _, err := os.Stat(s.path); err == nil {
		if conn, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
			conn.Close()
			return fmt.Errorf("another engine is already listening on %s", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptLoop()
	s.logger.Info().Str("socket", s.path).Msg("control server listening")
	return nil
}

// Stop closes the listener and all connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
		resp := s.dispatch(req)
		result := "ok"
		if !resp.OK {
			result = resp.Error
		}
		metrics.ControlRequests.WithLabelValues(req.Op, result).Inc()
		if err := WriteFrame(conn, resp); err != nil {
			s.logger.Debug().Err(err).Msg("connection write failed")
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	ctx := context.Background()

	switch req.Op {
	case OpStatus:
		statusCtx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()
		data, err := s.handler.Status(statusCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			degraded := s.handler.DegradedStatus()
			degraded.Degraded = true
			return okResponse(degraded)
		}
		if err != nil {
			return errResponse(ErrKindEngine, err.Error())
		}
		return okResponse(data)

	case OpPause:
		if err := s.handler.Pause(); err != nil {
			if errors.Is(err, ErrAlreadyPaused) {
				return errResponse(ErrKindAlreadyPaused, "engine is already paused")
			}
			return errResponse(ErrKindEngine, err.Error())
		}
		s.audit(req)
		return okResponse(nil)

	case OpResume:
		if err := s.handler.Resume(); err != nil {
			if errors.Is(err, ErrNotPaused) {
				return errResponse(ErrKindNotPaused, "engine is not paused")
			}
			return errResponse(ErrKindEngine, err.Error())
		}
		s.audit(req)
		return okResponse(nil)

	case OpInterrupt:
		if err := s.handler.Interrupt(); err != nil {
			return errResponse(ErrKindEngine, err.Error())
		}
		s.audit(req)
		return okResponse(nil)

	case OpFile:
		var args FileArgs
		if err := json.Unmarshal(req.Args, &args); err != nil || args.Title == "" {
			return errResponse(ErrKindInvalidRequest, "file requires a title")
		}
		id, err := s.handler.FileIssue(ctx, args)
		if err != nil {
			return errResponse(ErrKindEngine, err.Error())
		}
		s.audit(req)
		return okResponse(map[string]string{"id": id})

	case OpComment:
		var args CommentArgs
		if err := json.Unmarshal(req.Args, &args); err != nil || args.ID == "" || args.Body == "" {
			return errResponse(ErrKindInvalidRequest, "comment requires id and body")
		}
		if err := s.handler.CommentIssue(ctx, args); err != nil {
			return errResponse(ErrKindEngine, err.Error())
		}
		s.audit(req)
		return okResponse(nil)

	case OpUpdate:
		var args UpdateArgs
		if err := json.Unmarshal(req.Args, &args); err != nil || args.ID == "" {
			return errResponse(ErrKindInvalidRequest, "update requires an id")
		}
		if err := s.handler.UpdateIssue(ctx, args); err != nil {
			return errResponse(ErrKindEngine, err.Error())
		}
		s.audit(req)
		return okResponse(nil)

	case OpInspect:
		var args InspectArgs
		if err := json.Unmarshal(req.Args, &args); err != nil || args.ID == "" {
			return errResponse(ErrKindInvalidRequest, "inspect requires an id")
		}
		rec, err := s.handler.InspectIssue(args.ID)
		if errors.Is(err, ErrNotFound) {
			return errResponse(ErrKindNotFound, fmt.Sprintf("no issue %s", args.ID))
		}
		if err != nil {
			return errResponse(ErrKindEngine, err.Error())
		}
		return okResponse(rec)

	case OpList:
		var args ListArgs
		if len(req.Args) > 0 {
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return errResponse(ErrKindInvalidRequest, "malformed list arguments")
			}
		}
		summaries, err := s.handler.ListIssues(args)
		if err != nil {
			return errResponse(ErrKindEngine, err.Error())
		}
		return okResponse(summaries)
	}

	return errResponse(ErrKindUnknownOp, fmt.Sprintf("unknown op %q", req.Op))
}

// audit records an accepted mutating command.
func (s *Server) audit(req Request) {
	s.handler.RecordCommand(types.CommandRecord{
		ID:         uuid.New().String(),
		Op:         req.Op,
		Args:       req.Args,
		ReceivedAt: time.Now(),
	})
}
