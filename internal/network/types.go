package network

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GriffinCanCode/userscript-bridge/internal/id"
)

var (
	ErrTooManyTasks   = errors.New("too many pending network tasks")
	ErrAdapterClosed  = errors.New("network adapter is closed")
	ErrInvalidRequest = errors.New("invalid network request")
)

// Handle identifies one pending network task.
type Handle = id.TaskID

// State is the lifecycle position of a network task.
type State int

const (
	StateStarted State = iota
	StateReceiving
	StateCompleted
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request describes an outbound request issued on behalf of a script.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// ResponseHead carries the status line and headers of a response.
type ResponseHead struct {
	Status     int
	StatusText string
	Header     http.Header
	FinalURL   string
}

// Result is handed to the completion callback once per task. Body holds
// everything received, which is a partial body when Err is set.
type Result struct {
	Handle   Handle
	Head     *ResponseHead
	Body     []byte
	Err      error
	Duration time.Duration
}

// OK reports whether the task completed without a transport error.
func (r *Result) OK() bool {
	return r.Err == nil
}

// CompletionFunc receives the accumulated result of a task.
type CompletionFunc func(*Result)

// Sink receives the events of one in-flight response. Chunks passed to
// OnData are only valid for the duration of the call.
type Sink interface {
	OnResponse(head *ResponseHead)
	OnData(chunk []byte)
}

// Fetcher performs the transport work for a task. It returns once the body
// has been fully streamed to the sink or the request failed.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request, sink Sink) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request, sink Sink) error

// Fetch calls f(ctx, req, sink).
func (f FetcherFunc) Fetch(ctx context.Context, req *Request, sink Sink) error {
	return f(ctx, req, sink)
}
