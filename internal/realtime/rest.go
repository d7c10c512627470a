package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"agent-sync/internal/session"
	"agent-sync/internal/timeline"
	"agent-sync/internal/toolcall"
)

type createAgentRequest struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	Provider       string `json:"provider"`
	TranscriptPath string `json:"transcriptPath"`
}

// ingestRecord is a raw tool record plus its lifecycle. Without an
// explicit status a record with output is completed and one without is
// running; a non-empty error marks it failed.
type ingestRecord struct {
	toolcall.Record
	Status timeline.ToolStatus `json:"status"`
	Error  string              `json:"error"`
}

type ingestRequest struct {
	Provider string          `json:"provider"`
	Records  []ingestRecord  `json:"records"`
	Items    []timeline.Item `json:"items"`
}

type ingestResponse struct {
	Appended int   `json:"appended"`
	HeadSeq  int64 `json:"headSeq"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAgentExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidFetch):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrMaxAgents):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TranscriptPath != "" && s.transcripts == nil {
		writeError(w, http.StatusBadRequest, "transcript watching is disabled")
		return
	}

	agent, err := s.agents.Create(session.CreateOptions{
		ID:             req.ID,
		Label:          req.Label,
		Provider:       string(toolcall.ParseProvider(req.Provider)),
		TranscriptPath: req.TranscriptPath,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if req.TranscriptPath != "" {
		if err := s.transcripts.Watch(agent.ID, req.TranscriptPath, toolcall.ParseProvider(req.Provider)); err != nil {
			s.agents.Remove(agent.ID)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// The initial read may have advanced the head.
		if fresh, err := s.agents.Get(agent.ID); err == nil {
			agent = fresh
		}
	}

	writeJSON(w, http.StatusCreated, agentInfo(agent))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agentInfos())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agentInfo(agent))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.transcripts != nil {
		s.transcripts.Unwatch(id)
	}
	if err := s.agents.Remove(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleGetTimeline serves a fetch from query parameters: direction,
// epoch, seq, limit and projection.
func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := timeline.FetchRequest{
		Direction:  timeline.Direction(q.Get("direction")),
		Projection: timeline.Projection(q.Get("projection")),
	}
	if req.Direction == "" {
		req.Direction = timeline.DirectionTail
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		req.Limit = n
	}
	if epoch := q.Get("epoch"); epoch != "" {
		seq, err := strconv.ParseInt(q.Get("seq"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seq must be an integer")
			return
		}
		req.Cursor = &timeline.Cursor{Epoch: epoch, Seq: seq}
	}

	resp, err := s.agents.Fetch(r.PathValue("id"), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngestRecords normalizes raw tool records from an upstream
// backend and appends them, with any plain items, to the timeline.
func (s *Server) handleIngestRecords(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Records) == 0 && len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "records or items are required")
		return
	}

	provider := toolcall.ParseProvider(req.Provider)
	if req.Provider == "" {
		if agent, err := s.agents.Get(id); err == nil {
			provider = toolcall.Provider(agent.Provider)
		}
	}

	items := append([]timeline.Item(nil), req.Items...)
	for _, rec := range req.Records {
		res := toolcall.Normalize(provider, rec.Record)
		status := rec.Status
		switch {
		case rec.Error != "":
			status = timeline.StatusFailed
		case status == "" && rec.Output != nil:
			status = timeline.StatusCompleted
		case status == "":
			status = timeline.StatusRunning
		}
		s.metrics.RecordToolCall(string(provider), string(res.Detail.Kind()))
		items = append(items, timeline.ToolCall(res.CallID, rec.Name, status, res.Detail, rec.Error))
	}

	entries, err := s.agents.Append(id, items...)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Debug("records ingested", zap.String("agent_id", id), zap.Int("items", len(entries)))

	resp := ingestResponse{Appended: len(entries)}
	if n := len(entries); n > 0 {
		resp.HeadSeq = entries[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.agents.Rotate(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"epoch": epoch})
}
