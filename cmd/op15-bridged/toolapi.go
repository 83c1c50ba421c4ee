package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/toolsurface"
	"github.com/op15/bridge/internal/wire"
)

// defaultDeadline bounds every HTTP-driven tool surface call.
const defaultDeadline = 30 * time.Second

// newToolAPI wraps the tool surface in the small JSON API the UI and LLM
// orchestrator drive over HTTP. Every call carries the caller-supplied
// shared secret straight through to the transport dispatcher's
// loopback-HTTP fast path; the bridge itself never stores or checks it
// beyond that.
func newToolAPI(surface *toolsurface.Surface, manager *bridge.Manager, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/connected", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		writeJSON(w, http.StatusOK, map[string]bool{"connected": manager.IsConnected(userID)})
	})

	r.Post("/permissions", func(w http.ResponseWriter, r *http.Request) {
		var body permissionsBody
		if !decodeBody(w, r, &body) {
			return
		}
		allowedOps := make(map[string]bool, len(body.AllowedOperations))
		for _, op := range body.AllowedOperations {
			allowedOps[op] = true
		}
		if err := manager.UpdatePermissions(body.UserID, body.ApprovedPlan, session.Mode(body.Mode), body.AllowedDirectories, allowedOps); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	r.Post("/fs/list", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			callerEnvelope
			wire.FSListArgs
		}
		if !decodeBody(w, r, &body) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultDeadline)
		defer cancel()
		res, err := surface.FSList(ctx, body.UserID, body.Secret, body.FSListArgs)
		respond(w, res, err)
	})

	r.Post("/fs/read", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			callerEnvelope
			wire.FSReadArgs
		}
		if !decodeBody(w, r, &body) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultDeadline)
		defer cancel()
		res, err := surface.FSRead(ctx, body.UserID, body.Secret, body.FSReadArgs)
		respond(w, res, err)
	})

	r.Post("/fs/write", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			callerEnvelope
			wire.FSWriteArgs
		}
		if !decodeBody(w, r, &body) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultDeadline)
		defer cancel()
		res, err := surface.FSWrite(ctx, body.UserID, body.Secret, body.FSWriteArgs)
		respond(w, res, err)
	})

	r.Post("/fs/delete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			callerEnvelope
			wire.FSDeleteArgs
		}
		if !decodeBody(w, r, &body) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultDeadline)
		defer cancel()
		res, err := surface.FSDelete(ctx, body.UserID, body.Secret, body.FSDeleteArgs)
		respond(w, res, err)
	})

	r.Post("/fs/move", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			callerEnvelope
			wire.FSMoveArgs
		}
		if !decodeBody(w, r, &body) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultDeadline)
		defer cancel()
		res, err := surface.FSMove(ctx, body.UserID, body.Secret, body.FSMoveArgs)
		respond(w, res, err)
	})

	r.Post("/exec/run", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			callerEnvelope
			wire.ExecRunArgs
		}
		if !decodeBody(w, r, &body) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultDeadline)
		defer cancel()
		res, err := surface.ExecRun(ctx, body.UserID, body.Secret, body.ExecRunArgs)
		respond(w, res, err)
	})

	return r
}

// callerEnvelope carries the caller identity alongside the op-specific
// fields, since the Tool Surface is a per-user, per-call API rather than a
// stateful connection.
type callerEnvelope struct {
	UserID string `json:"userId"`
	Secret string `json:"secret"`
}

type permissionsBody struct {
	callerEnvelope
	Mode               string             `json:"mode"`
	AllowedOperations  []string           `json:"allowedOperations"`
	AllowedDirectories []string           `json:"allowedDirectories"`
	ApprovedPlan       []session.PlanStep `json:"approvedPlan"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, res any, err error) {
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
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
	case wire.ErrAgentNotConnected:
		return http.StatusNotFound
	case wire.ErrPermissionDenied, wire.ErrPlanViolation, wire.ErrForbidden:
		return http.StatusForbidden
	case wire.ErrAgentUnreachable, wire.ErrAgentDisconnected, wire.ErrAgentBackpressure:
		return http.StatusBadGateway
	case wire.ErrMalformedFrame:
		return http.StatusBadRequest
	case wire.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
