package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
)

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateThreadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Project == "" {
		writeError(w, apierr.InvalidRequest("project is required"))
		return
	}

	thread, err := s.jobs.CreateThread(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread": thread})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	var archived *bool
	switch v := r.URL.Query().Get("archived"); v {
	case "":
	case "true", "false":
		b := v == "true"
		archived = &b
	default:
		writeError(w, apierr.InvalidRequest("archived must be true or false, got %q", v))
		return
	}

	threads, err := s.jobs.ListThreads(r.Context(), archived)
	if err != nil {
		writeError(w, err)
		return
	}
	if threads == nil {
		threads = []jobs.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleActivateThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.jobs.ActivateThread(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": thread})
}

func (s *Server) handleArchiveThread(archived bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := s.jobs.SetThreadArchived(r.Context(), r.PathValue("id"), archived)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"thread": thread})
	}
}

// exportBundle is the portable thread format shared by export and
// import.
type exportBundle struct {
	Thread jobs.Thread     `json:"thread"`
	Events []jobs.Envelope `json:"events"`
}

func (s *Server) handleExportThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	thread, ok := s.jobs.GetThread(threadID)
	if !ok {
		row, err := s.store.GetThread(r.Context(), threadID)
		if err != nil {
			writeError(w, apierr.NotFound("thread", threadID))
			return
		}
		thread = jobs.Thread{
			ID:            row.ID,
			Cwd:           row.Cwd,
			Preview:       row.Preview,
			ModelProvider: row.ModelProvider,
			Archived:      row.Archived,
		}
	}

	rows, err := s.store.ListEventsByThread(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	events := make([]jobs.Envelope, 0, len(rows))
	for _, row := range rows {
		ts, _ := time.Parse(time.RFC3339Nano, row.TS)
		events = append(events, jobs.Envelope{
			Type:    row.Type,
			TS:      ts,
			JobID:   row.JobID,
			Seq:     row.Seq,
			Payload: []byte(row.Payload),
		})
	}

	writeJSON(w, http.StatusOK, exportBundle{Thread: thread, Events: events})
}

func (s *Server) handleImportThread(w http.ResponseWriter, r *http.Request) {
	var bundle exportBundle
	if err := decodeJSON(w, r, &bundle); err != nil {
		writeError(w, err)
		return
	}
	if bundle.Thread.ID == "" {
		writeError(w, apierr.InvalidRequest("thread.id is required"))
		return
	}

	s.jobs.ImportThread(bundle.Thread)

	// Imported history lands in the durable projection tier so it is
	// replayable without the originating agent.
	if len(bundle.Events) > 0 {
		if err := s.projection.StoreImported(r.Context(), bundle.Thread.ID, bundle.Events); err != nil {
			writeError(w, err)
			return
		}
	}

	thread, _ := s.jobs.GetThread(bundle.Thread.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"thread": thread})
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	cursor := int64(-1)
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, apierr.InvalidCursor("cursor must be an integer, got %q", v))
			return
		}
		cursor = n
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apierr.InvalidRequest("limit must be a non-negative integer, got %q", v))
			return
		}
		limit = n
	}

	page, err := s.projection.ListThreadEvents(r.Context(), threadID, cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if page.Events == nil {
		page.Events = []jobs.Envelope{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req struct {
		Text  string           `json:"text"`
		Input []jobs.TurnInput `json:"input"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	input := req.Input
	if len(input) == 0 && req.Text != "" {
		input = []jobs.TurnInput{{Type: "text", Text: req.Text}}
	}
	if len(input) == 0 {
		writeError(w, apierr.InvalidRequest("input or text is required"))
		return
	}

	snap, err := s.jobs.StartTurn(r.Context(), threadID, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": snap})
}
