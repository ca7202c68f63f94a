// Package command carries inbound Unlock and Lock requests from the HTTP and
// MQTT handlers to the control loop. Requests are validated here, queued, and
// applied only at tick boundaries.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sweeney/shelf-lock/internal/logic"
)

var (
	// ErrQueueFull is returned when the control loop is not keeping up.
	ErrQueueFull = errors.New("command queue full")
	// ErrMalformed wraps every payload that cannot become a command.
	ErrMalformed = errors.New("malformed command")
)

// Kind names a request type.
type Kind string

const (
	KindUnlock Kind = "unlock"
	KindLock   Kind = "lock"
)

// Request is one queued command.
type Request struct {
	Kind   Kind
	Unlock logic.UnlockCommand // KindUnlock only
	// Source is where the request came from, for logging.
	Source string

	reply chan Reply
	state *atomic.Int32
}

// Request states. A request is claimed by Drain or abandoned by Submit,
// never both.
const (
	statePending int32 = iota
	stateClaimed
	stateAbandoned
)

// Reply is the synchronous answer to a request.
type Reply struct {
	Result   logic.Result
	Position logic.LockPosition
	// ActiveSessionID is set on a conflict.
	ActiveSessionID string
}

// DefaultQueueSize bounds the number of pending requests.
const DefaultQueueSize = 16

// Queue is a bounded FIFO between request handlers and the control loop.
type Queue struct {
	ch chan Request
}

// NewQueue creates a queue holding at most size pending requests.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Request, size)}
}

// Submit enqueues req and waits for the control loop to apply it.
// It never blocks on a full queue; ctx bounds the wait for the reply.
// A request whose wait ended with an error is never applied.
func (q *Queue) Submit(ctx context.Context, req Request) (Reply, error) {
	req.reply = make(chan Reply, 1)
	req.state = new(atomic.Int32)
	select {
	case q.ch <- req:
	default:
		return Reply{}, ErrQueueFull
	}

	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		if req.state.CompareAndSwap(statePending, stateAbandoned) {
			return Reply{}, fmt.Errorf("wait for reply: %w", ctx.Err())
		}
		// Drain already claimed it; the reply is on its way.
		return <-req.reply, nil
	}
}

// Drain applies every pending request without blocking and returns how
// many were handled. Requests abandoned by their submitter are dropped.
// Only the control loop calls Drain.
func (q *Queue) Drain(apply func(Request) Reply) int {
	n := 0
	for {
		select {
		case req := <-q.ch:
			if req.state != nil && !req.state.CompareAndSwap(statePending, stateClaimed) {
				continue
			}
			r := apply(req)
			if req.reply != nil {
				req.reply <- r
			}
			n++
		default:
			return n
		}
	}
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// UnlockRequest is the wire shape of an Unlock command.
type UnlockRequest struct {
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// Command validates r and converts it to a machine command.
func (r UnlockRequest) Command() (logic.UnlockCommand, error) {
	mode, err := logic.ParseMode(r.Mode)
	if err != nil {
		return logic.UnlockCommand{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cmd := logic.UnlockCommand{
		SubjectID: strings.TrimSpace(r.SubjectID),
		SessionID: strings.TrimSpace(r.SessionID),
		Mode:      mode,
	}
	if err := cmd.Validate(); err != nil {
		return logic.UnlockCommand{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, nil
}

// NewUnlock builds an unlock request from its wire shape.
func NewUnlock(r UnlockRequest, source string) (Request, error) {
	cmd, err := r.Command()
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: KindUnlock, Unlock: cmd, Source: source}, nil
}

// NewLock builds a lock request.
func NewLock(source string) Request {
	return Request{Kind: KindLock, Source: source}
}

// envelope is the MQTT command payload:
// {"command":"unlock","subject_id":"...","session_id":"...","mode":"issue"}.
type envelope struct {
	Command string `json:"command"`
	UnlockRequest
}

// Decode parses an MQTT command payload.
func Decode(payload []byte, source string) (Request, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch Kind(strings.ToLower(strings.TrimSpace(env.Command))) {
	case KindUnlock:
		return NewUnlock(env.UnlockRequest, source)
	case KindLock:
		return NewLock(source), nil
	}
	return Request{}, fmt.Errorf("%w: unknown command %q", ErrMalformed, env.Command)
}
