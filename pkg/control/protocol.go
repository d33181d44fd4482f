// Package control implements the engine's control plane: a unix-socket
// server speaking length-prefixed JSON frames, and the client used by the
// sibling CLI.
package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/stewardproject/steward/pkg/tracker"
	"github.com/stewardproject/steward/pkg/types"
)

// Ops accepted by the server.
const (
	OpStatus    = "status"
	OpPause     = "pause"
	OpResume    = "resume"
	OpInterrupt = "interrupt"
	OpFile      = "file"
	OpComment   = "comment"
	OpUpdate    = "update"
	OpInspect   = "inspect"
	OpList      = "list"
)

// Error kinds carried in failure responses.
const (
	ErrKindAlreadyPaused  = "already_paused"
	ErrKindNotPaused      = "not_paused"
	ErrKindInvalidRequest = "invalid_request"
	ErrKindUnknownOp      = "unknown_op"
	ErrKindNotFound       = "not_found"
	ErrKindEngine         = "engine_error"
)

// Sentinel errors handlers return for protocol-level conditions.
var (
	ErrAlreadyPaused = errors.New("engine already paused")
	ErrNotPaused     = errors.New("engine not paused")
	ErrNotFound      = errors.New("not found")
)

// maxFrameBytes bounds one protocol frame.
const maxFrameBytes = 4 * 1024 * 1024

// Request is one control-plane request.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one control-plane response.
type Response struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// FileArgs are the arguments of the file op.
type FileArgs struct {
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// CommentArgs are the arguments of the comment op.
type CommentArgs struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

// UpdateArgs are the arguments of the update op. Absent fields are left
// untouched; an empty string clears the field.
type UpdateArgs struct {
	ID     string               `json:"id"`
	Fields tracker.UpdateFields `json:"fields"`
}

// InspectArgs are the arguments of the inspect op.
type InspectArgs struct {
	ID string `json:"id"`
}

// ListArgs are the arguments of the list op.
type ListArgs struct {
	Phase string `json:"phase,omitempty"`
}

// IssueSummary is the list op's projection of one issue record.
type IssueSummary struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Phase        types.Phase `json:"phase"`
	Priority     int         `json:"priority"`
	Attempts     int         `json:"attempts"`
	AssignedSlot int         `json:"assigned_slot"`
}

// StatusData is the status op's snapshot.
type StatusData struct {
	Running        bool                  `json:"running"`
	Paused         bool                  `json:"paused"`
	Degraded       bool                  `json:"degraded,omitempty"`
	UptimeSeconds  float64               `json:"uptime_seconds"`
	Iteration      uint64                `json:"iteration"`
	StateVersion   uint64                `json:"state_version"`
	Instance       *types.EngineInstance `json:"instance,omitempty"`
	Slots          []types.WorkerSlot    `json:"slots"`
	IssuesByPhase  map[string]int        `json:"issues_by_phase"`
	Counters       types.Counters        `json:"counters"`
	RecentCommands []types.CommandRecord `json:"recent_commands,omitempty"`
}

// statusTimeout bounds the live status path; past it a degraded snapshot
// is returned instead of blocking the caller on a wedged scheduler.
const statusTimeout = 500 * time.Millisecond

// WriteFrame writes one length-prefixed JSON frame.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return nil
}

// okResponse builds a success response around data.
func okResponse(data interface{}) Response {
	if data == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errResponse(ErrKindEngine, fmt.Sprintf("failed to marshal response: %v", err))
	}
	return Response{OK: true, Data: raw}
}

// errResponse builds a failure response.
func errResponse(kind, message string) Response {
	return Response{OK: false, Error: kind, Message: message}
}
