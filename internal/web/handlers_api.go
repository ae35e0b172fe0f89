package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"home-habits/internal/store"
)

type patternView struct {
	ID          uint64            `json:"id"`
	Type        store.PatternKind `json:"type"`
	Entities    []string          `json:"entities"`
	Confidence  float64           `json:"confidence"`
	Occurrences int               `json:"occurrence_count"`
	LastSeen    time.Time         `json:"last_seen"`
	Data        any               `json:"data"`
}

func newPatternView(p *store.Pattern) patternView {
	v := patternView{
		ID:          p.ID,
		Type:        p.Kind,
		Entities:    p.EntityIDs,
		Confidence:  p.Confidence,
		Occurrences: p.Occurrences,
		LastSeen:    p.LastSeen,
	}
	switch {
	case p.Time != nil:
		v.Data = p.Time
	case p.Sequential != nil:
		v.Data = p.Sequential
	}
	return v
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.store.ActivePatterns(0.3)
	if err != nil {
		s.logger.Error("load patterns", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	views := make([]patternView, 0, len(patterns))
	for _, p := range patterns {
		views = append(views, newPatternView(p))
	}

	resp := map[string]any{
		"patterns":      views,
		"pattern_count": len(views),
		"last_sync":     nil,
	}
	if meta, err := s.store.SyncMeta(); err == nil {
		resp["last_sync"] = meta.LastSync.Format(time.RFC3339)
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("load sync metadata", "err", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type suggestionView struct {
	ID             uint64            `json:"id"`
	Type           store.PatternKind `json:"type"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Command        string            `json:"command"`
	Confidence     float64           `json:"confidence"`
	Occurrences    int               `json:"occurrence_count"`
	Entities       []string          `json:"entities"`
	AutomationYAML string            `json:"automation_yaml"`
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.suggester.Generate(0.4, 6)
	if err != nil {
		s.logger.Error("generate suggestions", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	views := make([]suggestionView, 0, len(suggestions))
	for _, sg := range suggestions {
		v := suggestionView{
			ID:          sg.PatternID,
			Type:        sg.Kind,
			Title:       sg.Title,
			Description: sg.Description,
			Command:     sg.Command,
			Confidence:  sg.Confidence,
			Occurrences: sg.Occurrences,
			Entities:    sg.Entities,
		}
		if sg.Automation != nil {
			if yml, err := sg.Automation.YAML(); err == nil {
				v.AutomationYAML = yml
			}
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"suggestions": views})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	count, err := s.pipeline.RunSyncNow(r.Context())
	if err != nil {
		s.logger.Error("manual sync", "err", err)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":       false,
			"error":         err.Error(),
			"events_synced": 0,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"events_synced": count,
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.pipeline.RunDetectionNow(r.Context())
	if err != nil {
		s.logger.Error("manual detection", "err", err)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":           false,
			"error":             err.Error(),
			"patterns_detected": 0,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"patterns_detected": len(patterns),
	})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id, ok := s.patternID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.PatternByID(id); err != nil {
		s.patternError(w, id, err)
		return
	}
	if err := s.store.DeactivatePattern(id); err != nil {
		s.patternError(w, id, err)
		return
	}
	if err := s.store.InsertPreference(&store.Preference{PatternID: id, Type: store.PreferenceDismissed}); err != nil {
		s.patternError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "pattern_id": id})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := s.patternID(w, r)
	if !ok {
		return
	}
	pattern, err := s.store.PatternByID(id)
	if err != nil {
		s.patternError(w, id, err)
		return
	}
	if err := s.store.InsertPreference(&store.Preference{PatternID: id, Type: store.PreferenceAccepted}); err != nil {
		s.patternError(w, id, err)
		return
	}

	resp := map[string]any{"success": true, "pattern_id": id}
	if sg := s.suggester.Suggest(pattern); sg != nil {
		resp["command"] = sg.Command
		if sg.Automation != nil {
			if yml, err := sg.Automation.YAML(); err == nil {
				resp["automation_yaml"] = yml
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.logger.Error("load stats", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	resp := map[string]any{
		"total_events":     stats.TotalEvents,
		"events_by_source": stats.EventsBySource,
		"patterns_by_kind": stats.PatternsByKind,
		"last_sync":        nil,
	}
	if !stats.EarliestEvent.IsZero() {
		resp["earliest_event"] = stats.EarliestEvent.Format(time.RFC3339)
		resp["latest_event"] = stats.LatestEvent.Format(time.RFC3339)
	}
	if meta, err := s.store.SyncMeta(); err == nil {
		resp["last_sync"] = meta.LastSync.Format(time.RFC3339)
		if meta.LastError != "" {
			resp["last_sync_error"] = meta.LastError
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// patternID parses the path id, writing the error response itself on failure.
func (s *Server) patternID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid pattern id"})
		return 0, false
	}
	return id, true
}

func (s *Server) patternError(w http.ResponseWriter, id uint64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "pattern not found"})
		return
	}
	s.logger.Error("pattern operation failed", "id", id, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal server error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}
