package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/rules"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.database.GetReadPool().Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

// planResponse is the wire form of a pending plan.
type planResponse struct {
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	RuleID    int64     `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUserID(w, r)
	if !ok {
		return
	}

	plans := s.plans.ListUser(userID)
	out := make([]planResponse, 0, len(plans))
	for _, plan := range plans {
		resp := planResponse{
			ThreadID:  plan.ThreadID,
			MessageID: plan.MessageID,
			Action:    string(plan.Action),
			CreatedAt: plan.CreatedAt,
		}
		if plan.Rule != nil {
			resp.RuleID = plan.Rule.ID
			resp.RuleName = plan.Rule.Name
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"plans": out, "count": len(out)})
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUserID(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["thread"]

	if err := s.executor.ExecutePlan(r.Context(), userID, threadID); err != nil {
		if errors.Is(err, rules.ErrNoPlan) {
			s.writeError(w, http.StatusNotFound, "No pending plan for this thread")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

func (s *Server) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUserID(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["thread"]

	if err := s.executor.RejectPlan(userID, threadID); err != nil {
		s.writeError(w, http.StatusNotFound, "No pending plan for this thread")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// actionRequest carries the user scope (and for reschedule, the new
// due time) of a scheduled action operation.
type actionRequest struct {
	UserID      int64  `json:"user_id"`
	ScheduledAt string `json:"scheduled_at,omitempty"` // RFC 3339
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := s.pathActionID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		s.writeError(w, http.StatusBadRequest, "Request body must include user_id")
		return
	}

	if err := s.scheduler.Cancel(r.Context(), actionID, req.UserID); err != nil {
		if errors.Is(err, db.ErrNotClaimable) {
			s.writeError(w, http.StatusConflict, "Action is not in a cancellable state")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRescheduleAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := s.pathActionID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		s.writeError(w, http.StatusBadRequest, "Request body must include user_id")
		return
	}
	at, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "scheduled_at must be RFC 3339")
		return
	}

	if err := s.scheduler.Reschedule(r.Context(), actionID, req.UserID, at); err != nil {
		if errors.Is(err, db.ErrNotClaimable) {
			s.writeError(w, http.StatusConflict, "Action is not in a reschedulable state")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rescheduled", "scheduled_at": at.Format(time.RFC3339)})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUserID(w, r)
	if !ok {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.database.ListExecutedRules(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"executed_rules": records, "count": len(records)})
}

func (s *Server) handleListAuditActions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.pathUserID(w, r); !ok {
		return
	}
	executedRuleID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid executed rule ID")
		return
	}

	actions, err := s.database.ListExecutedActions(r.Context(), executedRuleID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions, "count": len(actions)})
}

func (s *Server) pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user"], 10, 64)
	if err != nil || userID <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid user ID")
		return 0, false
	}
	return userID, true
}

func (s *Server) pathActionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actionID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || actionID <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid action ID")
		return 0, false
	}
	return actionID, true
}
