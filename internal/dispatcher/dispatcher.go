// Package dispatcher implements the Transport Dispatcher: for each
// requestOperation, it chooses between a direct loopback HTTP call and a
// push over the upstream channel.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/wire"
)

// httpPathFor maps an operation to the loopback endpoint the agent daemon
// exposes for it.
var httpPathFor = map[wire.OpKind]struct {
	method string
	path   string
}{
	wire.OpFSList:   {http.MethodGet, "/fs/list"},
	wire.OpFSRead:   {http.MethodGet, "/fs/read"},
	wire.OpFSWrite:  {http.MethodPost, "/fs/write"},
	wire.OpFSDelete: {http.MethodPost, "/fs/delete"},
	wire.OpFSMove:   {http.MethodPost, "/fs/move"},
	wire.OpExecRun:  {http.MethodPost, "/execute"},
}

// Dispatcher ties the Bridge Manager to a transport choice per call.
type Dispatcher struct {
	manager    *bridge.Manager
	httpClient *http.Client
}

func New(manager *bridge.Manager) *Dispatcher {
	return &Dispatcher{
		manager:    manager,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Dispatch prefers the loopback HTTP endpoint when the session advertises
// a reachable one; otherwise it pushes over the channel.
// Transport failures on either path surface as agent-unreachable; an answer
// produced by either path is equivalent.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, sharedSecret string, op wire.OpKind, args json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	if !d.manager.IsConnected(userID) {
		return nil, &wire.Error{Kind: wire.ErrAgentNotConnected, Message: userID}
	}

	if endpoint := d.loopbackEndpoint(userID); endpoint != "" {
		data, err := d.tryHTTP(ctx, endpoint, sharedSecret, op, args, deadline)
		if err == nil {
			return data, nil
		}
		if isDefinitiveAgentError(err) {
			return nil, err
		}
		// HTTP failed without a definitive agent-side answer; fall through
		// to the channel path.
	}

	data, err := d.manager.RequestOperation(ctx, userID, op, args, deadline)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *Dispatcher) loopbackEndpoint(userID string) string {
	s := d.sessionFor(userID)
	if s == nil {
		return ""
	}
	return s.HTTPEndpoint()
}

func (d *Dispatcher) sessionFor(userID string) *bridge.Session {
	return d.manager.SessionFor(userID)
}

func (d *Dispatcher) tryHTTP(ctx context.Context, endpoint, sharedSecret string, op wire.OpKind, args json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	route, ok := httpPathFor[op]
	if !ok {
		return nil, &wire.Error{Kind: wire.ErrUnknownOperation, Message: string(op)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	url := endpoint + route.path
	var body io.Reader
	if route.method == http.MethodPost {
		body = bytes.NewReader(args)
	} else if len(args) > 0 {
		url += "?" + queryStringFromArgs(args)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, route.method, url, body)
	if err != nil {
		return nil, &wire.Error{Kind: wire.ErrAgentUnreachable, Message: err.Error()}
	}
	httpReq.Header.Set("x-agent-secret", sharedSecret)
	if route.method == http.MethodPost {
		httpReq.Header.Set("content-type", "application/json")
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, &wire.Error{Kind: wire.ErrAgentUnreachable, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &wire.Error{Kind: wire.ErrAgentUnreachable, Message: err.Error()}
	}

	if resp.StatusCode >= 500 {
		return nil, &wire.Error{Kind: wire.ErrAgentUnreachable, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		var werr wire.Error
		if json.Unmarshal(data, &werr) == nil && werr.Kind != "" {
			return nil, &werr
		}
		return nil, &wire.Error{Kind: wire.ErrForbidden, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return data, nil
}

// isDefinitiveAgentError reports whether the HTTP attempt reached the agent
// and got a real application-level answer (e.g. permission-denied), versus
// a transport failure that should fall back to the channel path.
func isDefinitiveAgentError(err error) bool {
	werr, ok := err.(*wire.Error)
	if !ok {
		return false
	}
	return werr.Kind != wire.ErrAgentUnreachable
}

func queryStringFromArgs(args json.RawMessage) string {
	var m map[string]any
	if json.Unmarshal(args, &m) != nil {
		return ""
	}
	vals := url.Values{}
	for k, v := range m {
		vals.Set(k, fmt.Sprintf("%v", v))
	}
	return vals.Encode()
}
