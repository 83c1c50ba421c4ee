package bridge

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/op15/bridge/internal/wire"
)

var (
	errNoChannel    = errors.New("bridge: session has no open channel")
	errDisconnected = &wire.Error{Kind: wire.ErrAgentDisconnected, Message: "agent disconnected"}
)

// PendingRPC is one in-flight requestOperation call awaiting completion.
// complete runs at most once regardless of which outcome wins (response,
// deadline, disconnect): the done channel is only ever closed by complete,
// and complete itself is guarded by sync.Once.
type PendingRPC struct {
	RequestID string
	UserID    string

	once sync.Once
	done chan struct{}

	result json.RawMessage
	err    error
}

func newPendingRPC(userID, requestID string) *PendingRPC {
	return &PendingRPC{UserID: userID, RequestID: requestID, done: make(chan struct{})}
}

// complete resolves the PendingRPC exactly once; subsequent calls (e.g. a
// duplicate or late Response after a deadline already fired) are no-ops.
func (p *PendingRPC) complete(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// wait blocks until complete is called or ctxDone fires, whichever is
// first. A deadline firing first means wait returns errDeadline (a timeout
// wire.Error) and the PendingRPC is still "open" from the registry's point
// of view until whoever owns it removes it. Callers of RequestOperation
// always remove their own entry in a defer, so the map entry never leaks;
// a Response arriving after that removal is discarded as unknown.
func (p *PendingRPC) wait(ctxDone <-chan struct{}) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctxDone:
		return nil, errDeadline
	}
}

var errDeadline = &wire.Error{Kind: wire.ErrTimeout, Message: "deadline exceeded"}
