// Package dispatch routes codex events to the stream assembler, the tool
// tracker and the permission prompt builders.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/logger"
	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/permission"
)

// StreamAssembler turns message and reasoning deltas into UI messages.
type StreamAssembler interface {
	TaskStarted(ctx context.Context)
	TaskComplete(ctx context.Context, ev codex.TaskComplete)
	MessageDelta(ctx context.Context, ev codex.AgentMessageDelta)
	ReasoningDelta(ctx context.Context, ev codex.AgentReasoningDelta)
	SectionBreak(ctx context.Context)
	StreamError(ctx context.Context, ev codex.StreamError)
}

// ToolTracker follows tool calls from begin to end. It owns the set of
// permission prompts already shown.
type ToolTracker interface {
	PendingConfirmations() permission.Confirmations
	StorePatchChanges(id string, changes codex.ChangeSet)

	HandleExecCommandBegin(ctx context.Context, ev codex.ExecCommandBegin)
	HandleExecCommandOutputDelta(ctx context.Context, ev codex.ExecCommandOutputDelta)
	HandleExecCommandEnd(ctx context.Context, ev codex.ExecCommandEnd)
	HandlePatchApplyBegin(ctx context.Context, ev codex.PatchApplyBegin)
	HandlePatchApplyEnd(ctx context.Context, ev codex.PatchApplyEnd)
	HandleMcpToolCallBegin(ctx context.Context, ev codex.McpToolCallBegin)
	HandleMcpToolCallEnd(ctx context.Context, ev codex.McpToolCallEnd)
	HandleWebSearchBegin(ctx context.Context, ev codex.WebSearchBegin)
	HandleWebSearchEnd(ctx context.Context, ev codex.WebSearchEnd)
}

// Dispatcher classifies events for one conversation. Handle must be called
// from a single goroutine, in arrival order.
type Dispatcher struct {
	conversationID string
	stream         StreamAssembler
	tools          ToolTracker
	emitter        message.Emitter
	log            *slog.Logger

	// builders counts detached permission builders still running.
	builders sync.WaitGroup
}

func New(conversationID string, stream StreamAssembler, tools ToolTracker, emitter message.Emitter) *Dispatcher {
	return &Dispatcher{
		conversationID: conversationID,
		stream:         stream,
		tools:          tools,
		emitter:        emitter,
		log:            slog.With("conversationId", conversationID),
	}
}

// Handle routes one event. It never blocks on permission prompt construction
// and never panics; unknown tags are dropped.
func (d *Dispatcher) Handle(ctx context.Context, ev codex.Event) {
	if ev == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "event handler panicked", "conversationId", d.conversationID, "tag", ev.Tag())
		}
	}()

	codex.Visit(ev, &router{ctx: ctx, d: d})
}

// Wait blocks until every detached permission builder has finished.
func (d *Dispatcher) Wait() {
	d.builders.Wait()
}

// detach runs fn on its own goroutine. The caller does not wait for it and
// never sees its outcome: errors and panics are logged and counted, then
// dropped. fn keeps running when ctx is canceled.
func (d *Dispatcher) detach(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	d.builders.Add(1)
	go func() {
		defer d.builders.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.LogPanic(r, "permission builder panicked", "conversationId", d.conversationID, "builder", name)
				metrics.RecordBuilderFailure(name)
			}
		}()

		if err := fn(ctx); err != nil {
			d.log.Error("permission builder failed", "builder", name, "error", err)
			metrics.RecordBuilderFailure(name)
		}
	}()
}

// claimPermission resolves the call id of an approval request and claims its
// unified id. ok is false when a prompt for the id was already claimed.
func (d *Dispatcher) claimPermission(tag codex.Tag, rawCallID string) (callID, unifiedID string, ok bool) {
	callID = permission.ResolveCallID(rawCallID)
	unifiedID = permission.UnifiedRequestID(callID)

	if !d.tools.PendingConfirmations().Add(unifiedID) {
		d.log.Debug("duplicate permission request suppressed", "tag", tag, "requestId", unifiedID)
		metrics.RecordPermissionDuplicate(string(tag))
		return "", "", false
	}
	return callID, unifiedID, true
}

// router adapts Dispatcher to codex.Visitor for one Handle call.
type router struct {
	ctx context.Context
	d   *Dispatcher
}

var _ codex.Visitor = (*router)(nil)

func (r *router) VisitTaskStarted(ev codex.TaskStarted) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteStream)
	r.d.stream.TaskStarted(r.ctx)
}

func (r *router) VisitTaskComplete(ev codex.TaskComplete) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteStream)
	r.d.stream.TaskComplete(r.ctx, ev)
}

func (r *router) VisitAgentMessageDelta(ev codex.AgentMessageDelta) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteStream)
	r.d.stream.MessageDelta(r.ctx, ev)
}

func (r *router) VisitAgentReasoningDelta(ev codex.AgentReasoningDelta) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteStream)
	r.d.stream.ReasoningDelta(r.ctx, ev)
}

func (r *router) VisitAgentReasoningSectionBreak(ev codex.AgentReasoningSectionBreak) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteStream)
	r.d.stream.SectionBreak(r.ctx)
}

func (r *router) VisitStreamError(ev codex.StreamError) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteStream)
	r.d.stream.StreamError(r.ctx, ev)
}

func (r *router) VisitExecApprovalRequest(ev codex.ExecApprovalRequest) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RoutePermission)
	callID, unifiedID, ok := r.d.claimPermission(ev.Tag(), ev.CallID)
	if !ok {
		return
	}
	r.d.detach(r.ctx, "exec", func(ctx context.Context) error {
		return r.d.buildExecPrompt(ctx, ev, callID, unifiedID)
	})
}

func (r *router) VisitApplyPatchApprovalRequest(ev codex.ApplyPatchApprovalRequest) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RoutePermission)
	callID, unifiedID, ok := r.d.claimPermission(ev.Tag(), ev.CallID)
	if !ok {
		return
	}
	r.d.detach(r.ctx, "patch", func(ctx context.Context) error {
		return r.d.buildPatchPrompt(ctx, ev, callID, unifiedID)
	})
}

func (r *router) VisitElicitationCreate(ev codex.ElicitationCreate) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RoutePermission)
	callID, unifiedID, ok := r.d.claimPermission(ev.Tag(), ev.CallID)
	if !ok {
		return
	}
	r.d.detach(r.ctx, "elicitation", func(ctx context.Context) error {
		return r.d.buildElicitationPrompt(ctx, ev, callID, unifiedID)
	})
}

func (r *router) VisitPatchApplyBegin(ev codex.PatchApplyBegin) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandlePatchApplyBegin(r.ctx, ev)
}

func (r *router) VisitPatchApplyEnd(ev codex.PatchApplyEnd) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandlePatchApplyEnd(r.ctx, ev)
}

func (r *router) VisitExecCommandBegin(ev codex.ExecCommandBegin) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandleExecCommandBegin(r.ctx, ev)
}

func (r *router) VisitExecCommandOutputDelta(ev codex.ExecCommandOutputDelta) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandleExecCommandOutputDelta(r.ctx, ev)
}

func (r *router) VisitExecCommandEnd(ev codex.ExecCommandEnd) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandleExecCommandEnd(r.ctx, ev)
}

func (r *router) VisitMcpToolCallBegin(ev codex.McpToolCallBegin) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandleMcpToolCallBegin(r.ctx, ev)
}

func (r *router) VisitMcpToolCallEnd(ev codex.McpToolCallEnd) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandleMcpToolCallEnd(r.ctx, ev)
}

func (r *router) VisitWebSearchBegin(ev codex.WebSearchBegin) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandleWebSearchBegin(r.ctx, ev)
}

func (r *router) VisitWebSearchEnd(ev codex.WebSearchEnd) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteTracker)
	r.d.tools.HandleWebSearchEnd(r.ctx, ev)
}

// Superseded by the delta and completion events.
func (r *router) VisitSuppressed(ev codex.Suppressed) {
	metrics.RecordEvent(string(ev.Tag()), metrics.RouteSuppressed)
}

func (r *router) VisitUnknown(ev codex.Unknown) {
	metrics.RecordEvent("other", metrics.RouteUnknown)
	r.d.log.Debug("unhandled codex event", "tag", ev.Type)
}
