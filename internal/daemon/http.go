package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/wire"
)

// startHTTP brings up the loopback listener the Transport Dispatcher's fast
// path talks to directly, bound to 127.0.0.1 only.
func (d *Daemon) startHTTP() error {
	r := chi.NewRouter()
	r.Get("/health", d.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(d.requireSecret)
		r.Get("/fs/list", d.handleFSList)
		r.Get("/fs/read", d.handleFSRead)
		r.Post("/fs/write", d.handleFSWrite)
		r.Post("/fs/delete", d.handleFSDelete)
		r.Post("/fs/move", d.handleFSMove)
		r.Post("/execute", d.handleExecute)
		r.Get("/status", d.handleStatus)
		r.Get("/logs", d.handleLogs)
		r.Post("/plan/approve", d.handlePlanApprove)
		r.Post("/kill", d.handleKill)
	})

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(d.cfg.HTTPPortOrDefault()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	d.httpEndpoint = ln.Addr().String()
	d.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := d.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log.Warn("loopback http server stopped", "error", err)
		}
	}()
	return nil
}

func (d *Daemon) stopHTTP() {
	if d.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.httpSrv.Shutdown(ctx)
}

// requireSecret enforces the x-agent-secret header on every endpoint but
// /health: the loopback listener trusts the shared secret, not the network.
func (d *Daemon) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-agent-secret") != d.cfg.SharedSecret {
			writeError(w, http.StatusForbidden, &wire.Error{Kind: wire.ErrForbidden, Message: "bad x-agent-secret"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"version":   d.version,
	})
}

func (d *Daemon) handleFSList(w http.ResponseWriter, r *http.Request) {
	a := wire.FSListArgs{Path: r.URL.Query().Get("path")}
	if depth := r.URL.Query().Get("depth"); depth != "" {
		if n, err := strconv.Atoi(depth); err == nil {
			a.Depth = n
		}
	}
	d.respondDispatch(r, w, wire.OpFSList, a)
}

func (d *Daemon) handleFSRead(w http.ResponseWriter, r *http.Request) {
	a := wire.FSReadArgs{Path: r.URL.Query().Get("path"), Encoding: r.URL.Query().Get("encoding")}
	d.respondDispatch(r, w, wire.OpFSRead, a)
}

func (d *Daemon) handleFSWrite(w http.ResponseWriter, r *http.Request) {
	var a wire.FSWriteArgs
	if !decodeBody(w, r, &a) {
		return
	}
	d.respondDispatch(r, w, wire.OpFSWrite, a)
}

func (d *Daemon) handleFSDelete(w http.ResponseWriter, r *http.Request) {
	var a wire.FSDeleteArgs
	if !decodeBody(w, r, &a) {
		return
	}
	d.respondDispatch(r, w, wire.OpFSDelete, a)
}

func (d *Daemon) handleFSMove(w http.ResponseWriter, r *http.Request) {
	var a wire.FSMoveArgs
	if !decodeBody(w, r, &a) {
		return
	}
	d.respondDispatch(r, w, wire.OpFSMove, a)
}

func (d *Daemon) handleExecute(w http.ResponseWriter, r *http.Request) {
	var a wire.ExecRunArgs
	if !decodeBody(w, r, &a) {
		return
	}
	d.respondDispatch(r, w, wire.OpExecRun, a)
}

func (d *Daemon) respondDispatch(r *http.Request, w http.ResponseWriter, op wire.OpKind, args any) {
	b, err := json.Marshal(args)
	if err != nil {
		writeError(w, http.StatusBadRequest, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()})
		return
	}
	data, err := d.dispatch(r.Context(), op, b)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	perms := d.permissions()
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":             d.cfg.UserID,
		"connected":          d.upstream.Load(),
		"mode":               perms.Mode,
		"allowedOperations":  perms.AllowedOperations,
		"allowedDirectories": perms.AllowedDirectories,
		"planCursor":         perms.ApprovedStepCursor,
		"planLength":         len(perms.ApprovedPlan),
	})
}

func (d *Daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, total := d.store.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "total": total})
}

// planApproveBody mirrors wire.Control's plan-approve fields so the local
// UI or a same-machine orchestrator can push an approval without going
// through the bridge.
type planApproveBody struct {
	Mode               string             `json:"mode"`
	AllowedDirectories []string           `json:"allowedDirectories"`
	AllowedOperations  []string           `json:"allowedOperations"`
	ApprovedPlan       []session.PlanStep `json:"approvedPlan"`
}

func (d *Daemon) handlePlanApprove(w http.ResponseWriter, r *http.Request) {
	var body planApproveBody
	if !decodeBody(w, r, &body) {
		return
	}
	granted := session.Permissions{
		Mode:               session.Mode(body.Mode),
		AllowedDirectories: body.AllowedDirectories,
		ApprovedPlan:       body.ApprovedPlan,
	}
	granted.AllowedOperations = make(map[string]bool, len(body.AllowedOperations))
	for _, op := range body.AllowedOperations {
		granted.AllowedOperations[op] = true
	}
	d.setPermissions(d.cfg.PermissionPolicy.Clamp(granted))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (d *Daemon) handleKill(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	d.killOnce.Do(func() { close(d.killCh) })
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	werr, ok := err.(*wire.Error)
	if !ok {
		werr = &wire.Error{Kind: "error", Message: err.Error()}
	}
	writeJSON(w, status, werr)
}

func statusForError(err error) int {
	werr, ok := err.(*wire.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch werr.Kind {
	case wire.ErrNotFound:
		return http.StatusNotFound
	case wire.ErrPermissionDenied, wire.ErrPlanViolation, wire.ErrForbidden:
		return http.StatusForbidden
	case wire.ErrInvalidCwd, wire.ErrMalformedFrame, wire.ErrNotADirectory, wire.ErrIsADirectory, wire.ErrNotEmpty:
		return http.StatusBadRequest
	case wire.ErrTooLarge:
		return http.StatusRequestEntityTooLarge
	case wire.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
