package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/packflow/internal/audit"
	"github.com/nerrad567/packflow/internal/auth"
	"github.com/nerrad567/packflow/internal/automation"
)

// auditSource marks audit entries written by the RPC surface.
const auditSource = "api"

// rpcRequest is the union of every action's parameters.
type rpcRequest struct {
	Action string `json:"action"`

	// emit_event
	EventName string         `json:"event_name"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`

	// execute_automation
	ExecutionID string `json:"execution_id"`

	// get_executions
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`

	// start_chain, get_chain_status, cancel_chain
	ChainID          string         `json:"chain_id"`
	InitialContext   map[string]any `json:"initial_context"`
	ChainExecutionID string         `json:"chain_execution_id"`

	// get_audit_log
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// OnBehalfOf lets a service caller act for another scope.
	OnBehalfOf *scopeOverride `json:"on_behalf_of"`
}

type scopeOverride struct {
	UserID    string `json:"user_id"`
	OrgID     string `json:"org_id"`
	StartupID string `json:"startup_id"`
}

// action is one RPC operation. needsUser rejects anonymous callers.
//
// A successful call to an action with an entity is written to the audit
// log against the ID found under idKey in its result.
type action struct {
	perm      auth.Permission
	needsUser bool
	entity    string
	idKey     string
	run       func(ctx context.Context, caller auth.Scope, req *rpcRequest) (map[string]any, error)
}

func (s *Server) buildActions() map[string]action {
	actions := map[string]action{
		"emit_event": {perm: auth.PermEventEmit, run: s.emitEvent,
			entity: "event", idKey: "event_id"},
		"execute_automation": {perm: auth.PermExecutionRun, needsUser: true, run: s.executeAutomation,
			entity: "execution", idKey: "execution_id"},
		"get_executions": {perm: auth.PermExecutionRead, needsUser: true, run: s.getExecutions},
		"start_chain": {perm: auth.PermChainManage, needsUser: true, run: s.startChain,
			entity: "chain_execution", idKey: "chain_execution_id"},
		"get_chain_status": {perm: auth.PermExecutionRead, needsUser: true, run: s.getChainStatus},
		"cancel_chain": {perm: auth.PermChainManage, needsUser: true, run: s.cancelChain,
			entity: "chain_execution", idKey: "chain_execution_id"},
		"list_triggers": {perm: auth.PermCatalogRead, run: s.listTriggers},
		"list_chains":   {perm: auth.PermCatalogRead, run: s.listChains},
	}
	if s.audit != nil {
		actions["get_audit_log"] = action{perm: auth.PermAuditRead, needsUser: true, run: s.getAuditLog}
	}
	return actions
}

// handleAutomation dispatches POST /api/v1/automation.
func (s *Server) handleAutomation(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, fmt.Errorf("%w: invalid JSON body", errBadRequest))
		return
	}

	noteAccess(r.Context(), func(rec *accessRecord) { rec.action = req.Action })

	act, ok := s.actions[req.Action]
	if !ok {
		writeRPCError(w, fmt.Errorf("%w: unknown action %q", errBadRequest, req.Action))
		return
	}

	caller, err := s.callerScope(r.Context(), &req)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	if caller.Anonymous() {
		if act.needsUser {
			writeRPCError(w, errUnauthorized)
			return
		}
	} else if !auth.HasPermission(caller.Role, act.perm) {
		writeRPCError(w, errForbidden)
		return
	}

	result, err := act.run(r.Context(), caller, &req)
	if err != nil {
		status, _ := classify(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("automation action failed",
				"action", req.Action,
				"error", err,
				"request_id", r.Context().Value(ctxKeyRequestID),
			)
		}
		writeRPCError(w, err)
		return
	}
	if act.entity != "" {
		s.recordAudit(r.Context(), &req, act, caller, result)
	}
	writeRPCSuccess(w, result)
}

// recordAudit writes the audit entry for a successful call. A failed write
// is logged and does not fail the call.
func (s *Server) recordAudit(ctx context.Context, req *rpcRequest, act action, caller auth.Scope, result map[string]any) {
	if s.audit == nil {
		return
	}

	details := map[string]any{}
	if req.EventName != "" {
		details["event_name"] = req.EventName
	}
	if req.ChainID != "" {
		details["chain_id"] = req.ChainID
	}
	if status, ok := result["status"]; ok {
		details["status"] = status
	}
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		details["request_id"] = id
	}
	entityID, _ := result[act.idKey].(string)

	err := s.audit.Record(ctx, &audit.Entry{
		Action:     req.Action,
		EntityType: act.entity,
		EntityID:   entityID,
		ActorID:    scopeFrom(ctx).UserID,
		SubjectID:  caller.UserID,
		Source:     auditSource,
		Details:    details,
	})
	if err != nil {
		s.logger.Error("recording audit entry failed", "action", req.Action, "entity_id", entityID, "error", err)
	}
}

// callerScope returns the scope the request acts for. Only callers holding
// PermScopeOverride may use on_behalf_of.
func (s *Server) callerScope(ctx context.Context, req *rpcRequest) (auth.Scope, error) {
	caller := scopeFrom(ctx)
	if req.OnBehalfOf == nil {
		return caller, nil
	}
	if caller.Anonymous() {
		return caller, errUnauthorized
	}
	if !auth.HasPermission(caller.Role, auth.PermScopeOverride) {
		return caller, errForbidden
	}

	scope := auth.Scope{
		UserID:    req.OnBehalfOf.UserID,
		OrgID:     req.OnBehalfOf.OrgID,
		StartupID: req.OnBehalfOf.StartupID,
		Role:      caller.Role,
	}
	if scope.UserID == "" {
		return caller, fmt.Errorf("%w: on_behalf_of.user_id is required", errBadRequest)
	}
	if scope.StartupID == "" {
		startup, err := s.resolveStartup(ctx, scope)
		if err != nil {
			return caller, err
		}
		scope.StartupID = startup
	}
	return scope, nil
}

func engineScope(s auth.Scope) automation.Scope {
	return automation.Scope{UserID: s.UserID, OrgID: s.OrgID, StartupID: s.StartupID}
}

// owns reports whether caller may see a record owned by userID.
func owns(caller auth.Scope, userID string) bool {
	return caller.UserID == userID || auth.HasPermission(caller.Role, auth.PermScopeOverride)
}

// ─── Actions ────────────────────────────────────────────────────────────────

func (s *Server) emitEvent(ctx context.Context, caller auth.Scope, req *rpcRequest) (map[string]any, error) {
	res, err := s.emitter.Emit(ctx, automation.EmitRequest{
		EventName: req.EventName,
		Payload:   req.Payload,
		Source:    req.Source,
		Scope:     engineScope(caller),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"event_id":              res.EventID,
		"triggered_count":       res.TriggeredCount,
		"triggered_automations": res.TriggeredAutomations,
	}, nil
}

func (s *Server) executeAutomation(ctx context.Context, caller auth.Scope, req *rpcRequest) (map[string]any, error) {
	if req.ExecutionID == "" {
		return nil, fmt.Errorf("%w: execution_id is required", errBadRequest)
	}
	exec, err := s.repo.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if !owns(caller, exec.UserID) {
		return nil, automation.ErrExecutionNotFound
	}

	exec, err = s.engine.Run(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"execution_id":    exec.ID,
		"status":          exec.Status,
		"steps_completed": exec.StepsCompleted,
		"outputs":         exec.Outputs,
		"applied_to":      exec.AppliedTo,
	}
	if exec.ErrorMessage != "" {
		out["error_message"] = exec.ErrorMessage
	}
	return out, nil
}

func (s *Server) getExecutions(ctx context.Context, caller auth.Scope, req *rpcRequest) (map[string]any, error) {
	status := automation.Status(req.Status)
	switch status {
	case "", automation.StatusPending, automation.StatusRunning, automation.StatusCompleted, automation.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", errBadRequest, req.Status)
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", errBadRequest)
	}

	execs, err := s.repo.ListExecutions(ctx, automation.ExecutionFilter{
		UserID: caller.UserID,
		Status: status,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"executions": execs}, nil
}

func (s *Server) startChain(ctx context.Context, caller auth.Scope, req *rpcRequest) (map[string]any, error) {
	if req.ChainID == "" {
		return nil, fmt.Errorf("%w: chain_id is required", errBadRequest)
	}
	ce, err := s.chains.StartChain(ctx, req.ChainID, engineScope(caller), req.InitialContext)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chain_execution_id": ce.ID,
		"status":             ce.Status,
		"total_steps":        ce.TotalSteps,
	}, nil
}

// ownedChainExecution loads a chain execution the caller may see.
func (s *Server) ownedChainExecution(ctx context.Context, caller auth.Scope, id string) (*automation.ChainExecution, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: chain_execution_id is required", errBadRequest)
	}
	ce, err := s.chains.GetChainExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(caller, ce.UserID) {
		return nil, automation.ErrChainExecutionNotFound
	}
	return ce, nil
}

func (s *Server) getChainStatus(ctx context.Context, caller auth.Scope, req *rpcRequest) (map[string]any, error) {
	ce, err := s.ownedChainExecution(ctx, caller, req.ChainExecutionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chain_execution": ce}, nil
}

func (s *Server) cancelChain(ctx context.Context, caller auth.Scope, req *rpcRequest) (map[string]any, error) {
	if _, err := s.ownedChainExecution(ctx, caller, req.ChainExecutionID); err != nil {
		return nil, err
	}
	ce, err := s.chains.Cancel(ctx, req.ChainExecutionID)
	if err != nil {
		if errors.Is(err, automation.ErrChainNotRunning) && ce != nil {
			return nil, fmt.Errorf("%w: chain execution is %s", err, ce.Status)
		}
		return nil, err
	}
	return map[string]any{
		"chain_execution_id": ce.ID,
		"status":             ce.Status,
	}, nil
}

func (s *Server) listTriggers(ctx context.Context, _ auth.Scope, req *rpcRequest) (map[string]any, error) {
	triggers, err := s.repo.ListActiveTriggers(ctx, req.EventName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"triggers": triggers}, nil
}

func (s *Server) listChains(ctx context.Context, _ auth.Scope, _ *rpcRequest) (map[string]any, error) {
	chains, err := s.repo.ListActiveChains(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chains": chains}, nil
}

func (s *Server) getAuditLog(ctx context.Context, _ auth.Scope, req *rpcRequest) (map[string]any, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", errBadRequest)
	}
	page, err := s.audit.List(ctx, audit.Filter{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"entries": page.Entries,
		"total":   page.Total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	}, nil
}
