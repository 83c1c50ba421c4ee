package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/sjson"

	"github.com/op15/bridge/internal/actionlog"
	"github.com/op15/bridge/internal/permission"
	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/telemetry"
	"github.com/op15/bridge/internal/wire"
)

func (d *Daemon) permissions() session.Permissions {
	d.permMu.Lock()
	defer d.permMu.Unlock()
	return d.perms.Clone()
}

func (d *Daemon) setPermissions(p session.Permissions) {
	d.permMu.Lock()
	defer d.permMu.Unlock()
	d.perms = p
}

// dispatch runs the Permission Core check against a snapshot taken before
// the operation, then executes it and records the outcome in the action
// log. Operating on the snapshot means a concurrent permission update can
// never retroactively deny a request already past its check.
func (d *Daemon) dispatch(ctx context.Context, op wire.OpKind, args json.RawMessage) (json.RawMessage, error) {
	if !op.Known() {
		return nil, &wire.Error{Kind: wire.ErrUnknownOperation, Message: string(op)}
	}

	res := permission.PathResolver{Home: d.home}

	// Snapshot, check, and write-back of an advanced plan cursor happen
	// under one hold of permMu, so a plan-approve applied meanwhile is never
	// overwritten by this call's older snapshot.
	d.permMu.Lock()
	perms := d.perms.Clone()
	err := permission.Check(op, args, &perms, res)
	if err == nil {
		d.perms = perms
	}
	d.permMu.Unlock()
	if err != nil {
		d.recordDenied(op, args, err)
		telemetry.RecordPermissionDenied(ctx, string(op), errKind(err))
		return nil, err
	}

	data, err := d.execute(ctx, op, args)
	d.record(op, args, err)
	telemetry.RecordExecutorOp(ctx, string(op), err)
	return data, err
}

func (d *Daemon) execute(ctx context.Context, op wire.OpKind, args json.RawMessage) (json.RawMessage, error) {
	switch op {
	case wire.OpFSList:
		var a wire.FSListArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		res, err := d.exec.List(a)
		return marshalOrErr(res, err)

	case wire.OpFSRead:
		var a wire.FSReadArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		res, err := d.exec.Read(a)
		return marshalOrErr(res, err)

	case wire.OpFSWrite:
		var a wire.FSWriteArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		res, err := d.exec.Write(a)
		return marshalOrErr(res, err)

	case wire.OpFSDelete:
		var a wire.FSDeleteArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		res, err := d.exec.Delete(a)
		return marshalOrErr(res, err)

	case wire.OpFSMove:
		var a wire.FSMoveArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		res, err := d.exec.Move(a)
		return marshalOrErr(res, err)

	case wire.OpExecRun:
		var a wire.ExecRunArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		res, err := d.exec.Run(ctx, a)
		if werr, ok := err.(*wire.Error); ok && werr.Kind == wire.ErrTimeout {
			// A timed-out exec.run still carries a valid result (exitCode
			// 124 plus whatever stdout/stderr was buffered before the kill)
			// and belongs on the wire as Data, not as an error.
			return marshalOrErr(res, nil)
		}
		return marshalOrErr(res, err)

	default:
		return nil, &wire.Error{Kind: wire.ErrUnknownOperation, Message: string(op)}
	}
}

func marshalOrErr(v any, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	b, merr := json.Marshal(v)
	if merr != nil {
		return nil, merr
	}
	return b, nil
}

func (d *Daemon) record(op wire.OpKind, args json.RawMessage, err error) {
	entry := actionlog.Entry{
		Timestamp: time.Now(),
		UserID:    d.cfg.UserID,
		Operation: string(op),
		Result:    resultFor(err),
	}
	attachArgs(&entry, op, args)
	if err != nil {
		entry.Details = appendDetail(entry.Details, "error", errKind(err))
	}
	if d.store != nil {
		d.store.Append(context.Background(), entry)
	}
}

// recordDenied logs a request the Permission Core rejected. Capability,
// scope, and plan rejections land as "denied"; a malformed-args rejection
// is an "error" like any other failure.
func (d *Daemon) recordDenied(op wire.OpKind, args json.RawMessage, err error) {
	entry := actionlog.Entry{
		Timestamp: time.Now(),
		UserID:    d.cfg.UserID,
		Operation: string(op),
		Result:    resultFor(err),
	}
	attachArgs(&entry, op, args)
	entry.Details = appendDetail(entry.Details, "error", errKind(err))
	if d.store != nil {
		d.store.Append(context.Background(), entry)
	}
}

// resultFor collapses an outcome into the action log's closed result enum.
// The specific error kind still reaches the log through the entry details;
// Result itself is only ever success, error, or denied.
func resultFor(err error) string {
	if err == nil {
		return actionlog.ResultSuccess
	}
	switch errKind(err) {
	case wire.ErrPermissionDenied, wire.ErrPlanViolation, wire.ErrForbidden:
		return actionlog.ResultDenied
	default:
		return actionlog.ResultError
	}
}

func appendDetail(details map[string]any, key string, value any) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	details[key] = value
	return details
}

func attachArgs(entry *actionlog.Entry, op wire.OpKind, args json.RawMessage) {
	switch op {
	case wire.OpFSList:
		var a wire.FSListArgs
		if json.Unmarshal(args, &a) == nil {
			entry.Path = a.Path
		}
	case wire.OpFSRead:
		var a wire.FSReadArgs
		if json.Unmarshal(args, &a) == nil {
			entry.Path = a.Path
		}
	case wire.OpFSWrite:
		var a wire.FSWriteArgs
		if json.Unmarshal(args, &a) == nil {
			entry.Path = a.Path
		}
	case wire.OpFSDelete:
		var a wire.FSDeleteArgs
		if json.Unmarshal(args, &a) == nil {
			entry.Path = a.Path
		}
	case wire.OpFSMove:
		var a wire.FSMoveArgs
		if json.Unmarshal(args, &a) == nil {
			entry.Path = a.Source + " -> " + a.Destination
		}
	case wire.OpExecRun:
		var a wire.ExecRunArgs
		if json.Unmarshal(args, &a) == nil {
			entry.Command = a.Command
		}
	}
	entry.Details = redactedDetails(op, args)
}

// redactedDetails stores the raw op args alongside the entry, minus the
// fs.write content field: action log rows are read back through /logs and
// there is no reason to carry a file's full bytes into that response.
// sjson.Delete edits the field out of the raw JSON directly rather than
// round-tripping through a typed struct that would need to know every
// operation's shape.
func redactedDetails(op wire.OpKind, args json.RawMessage) map[string]any {
	raw := string(args)
	if op == wire.OpFSWrite {
		if stripped, err := sjson.Delete(raw, "content"); err == nil {
			raw = stripped
		}
	}
	var details map[string]any
	if json.Unmarshal([]byte(raw), &details) != nil {
		return nil
	}
	return details
}

func errKind(err error) string {
	if werr, ok := err.(*wire.Error); ok {
		return werr.Kind
	}
	return "error"
}

// handleRequest answers one channel-delivered Request and writes the
// Response back over the same connection.
func (d *Daemon) handleRequest(ctx context.Context, ac *agentConn, req wire.Request) {
	data, err := d.dispatch(ctx, req.Operation, req.Args)
	var resp wire.Response
	if err != nil {
		resp = wire.NewErrorResponse(req.ID, err)
	} else {
		resp = wire.Response{ID: req.ID, Data: data}
	}
	if werr := ac.WriteJSON(resp); werr != nil {
		d.log.Warn("failed to write response", "request_id", req.ID, "error", werr)
	}
}
