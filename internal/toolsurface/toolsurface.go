// Package toolsurface implements the Tool Surface: six stateless
// functions the cloud LLM tool-calling layer invokes, each wrapping the
// Bridge Manager and Transport Dispatcher.
package toolsurface

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/dispatcher"
	"github.com/op15/bridge/internal/wire"
)

// defaultDeadline bounds every Tool Surface call absent a caller override.
const defaultDeadline = 30 * time.Second

// Surface is the six-function facade the orchestrator calls. There is no
// server-local fallback for these operations: every call either reaches
// the agent or fails with agent-not-connected, so nothing ever touches the
// cloud host's own filesystem or process table.
type Surface struct {
	manager    *bridge.Manager
	dispatcher *dispatcher.Dispatcher
}

func New(manager *bridge.Manager, d *dispatcher.Dispatcher) *Surface {
	return &Surface{manager: manager, dispatcher: d}
}

func (s *Surface) requireConnected(userID string) error {
	if !s.manager.IsConnected(userID) {
		return &wire.Error{
			Kind:    wire.ErrAgentNotConnected,
			Message: "no agent is connected for this user; ask them to start the local agent",
		}
	}
	return nil
}

func (s *Surface) call(ctx context.Context, userID, secret string, op wire.OpKind, args any, dst any) error {
	if err := s.requireConnected(userID); err != nil {
		return err
	}
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	data, err := s.dispatcher.Dispatch(ctx, userID, secret, op, b, defaultDeadline)
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// FSList implements fs.list, post-processed for presentation: directories
// before files, case-insensitive name order. The wrap is cosmetic and
// always applied; FSList does not return the agent's native ordering.
func (s *Surface) FSList(ctx context.Context, userID, secret string, a wire.FSListArgs) (wire.FSListResult, error) {
	var res wire.FSListResult
	if err := s.call(ctx, userID, secret, wire.OpFSList, a, &res); err != nil {
		return wire.FSListResult{}, err
	}
	SortEntries(res.Entries)
	return res, nil
}

// SortEntries orders directories before files, then case-insensitively by
// name.
func SortEntries(entries []wire.FSEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Kind == "directory", entries[j].Kind == "directory"
		if di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// HumanSize is a cosmetic helper for presenting FSEntry.Size to a human;
// it is not part of the wire contract itself.
func HumanSize(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}

func (s *Surface) FSRead(ctx context.Context, userID, secret string, a wire.FSReadArgs) (wire.FSReadResult, error) {
	var res wire.FSReadResult
	err := s.call(ctx, userID, secret, wire.OpFSRead, a, &res)
	return res, err
}

func (s *Surface) FSWrite(ctx context.Context, userID, secret string, a wire.FSWriteArgs) (wire.FSWriteResult, error) {
	var res wire.FSWriteResult
	err := s.call(ctx, userID, secret, wire.OpFSWrite, a, &res)
	return res, err
}

func (s *Surface) FSDelete(ctx context.Context, userID, secret string, a wire.FSDeleteArgs) (wire.FSDeleteResult, error) {
	var res wire.FSDeleteResult
	err := s.call(ctx, userID, secret, wire.OpFSDelete, a, &res)
	return res, err
}

func (s *Surface) FSMove(ctx context.Context, userID, secret string, a wire.FSMoveArgs) (wire.FSMoveResult, error) {
	var res wire.FSMoveResult
	err := s.call(ctx, userID, secret, wire.OpFSMove, a, &res)
	return res, err
}

func (s *Surface) ExecRun(ctx context.Context, userID, secret string, a wire.ExecRunArgs) (wire.ExecRunResult, error) {
	var res wire.ExecRunResult
	err := s.call(ctx, userID, secret, wire.OpExecRun, a, &res)
	return res, err
}
