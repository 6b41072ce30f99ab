package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/entity"
	"github.com/calder-env/docqueue/internal/repository"
)

type createEntryRequest struct {
	Category  string `json:"category"`
	StateCode string `json:"state_code,omitempty"`
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	Filename  string `json:"filename"`
}

// createEntryHandler registers an uploaded document. The entry lands as
// uploaded and is promoted to queued once its classification validates.
func (s *Server) createEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	category, ok := constants.CanonicalizeCategory(req.Category)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown category "+req.Category)
		return
	}
	stateCode := strings.ToUpper(strings.TrimSpace(req.StateCode))
	if !constants.ValidStateCode(stateCode) {
		s.writeError(w, http.StatusBadRequest, "invalid state code "+req.StateCode)
		return
	}
	if req.Bucket == "" || req.Path == "" || req.Filename == "" {
		s.writeError(w, http.StatusBadRequest, "bucket, path and filename are required")
		return
	}

	created, err := s.repo.Create(r.Context(), &entity.QueueEntry{
		Category:  category,
		StateCode: stateCode,
		Bucket:    req.Bucket,
		Path:      req.Path,
		Filename:  req.Filename,
		Status:    constants.StatusUploaded,
	})
	if err != nil {
		s.writeFromErr(w, err)
		return
	}

	// Classification validated above; promote so processors will accept it.
	if err := s.repo.SetStatus(r.Context(), created.ID, constants.StatusQueued); err != nil {
		s.writeFromErr(w, err)
		return
	}
	created.Status = constants.StatusQueued

	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.Filter{
		StateCode: strings.ToUpper(q.Get("state_code")),
	}
	if c := q.Get("category"); c != "" {
		category, ok := constants.CanonicalizeCategory(c)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown category "+c)
			return
		}
		filter.Category = category
	}

	var (
		entries []*entity.QueueEntry
		err     error
	)
	if st := q.Get("status"); st != "" {
		status := constants.EntryStatus(st)
		if !constants.ValidStatus(status) {
			s.writeError(w, http.StatusBadRequest, "unknown status "+st)
			return
		}
		entries, err = s.repo.ListByStatus(r.Context(), status, filter)
	} else {
		entries, err = s.repo.List(r.Context(), filter)
	}
	if err != nil {
		s.writeFromErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// processEntryHandler kicks off extraction for one entry and returns
// immediately; the terminal status arrives via the change-stream.
func (s *Server) processEntryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "entry_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "entry_id must be a UUID")
		return
	}

	if err := s.single.Process(r.Context(), id); err != nil {
		s.writeFromErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": id.String(), "status": "accepted"})
}

// retryEntryHandler performs the one backward edge: failed -> processing,
// via an explicit human action.
func (s *Server) retryEntryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "entry_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "entry_id must be a UUID")
		return
	}

	e, err := s.repo.GetByID(r.Context(), id)
	if err != nil {
		s.writeFromErr(w, err)
		return
	}
	if e.Status != constants.StatusFailed {
		s.writeError(w, http.StatusBadRequest, "only failed entries can be retried, entry is "+string(e.Status))
		return
	}

	// A fresh attempt starts with a clean slate; stale failure entries would
	// otherwise pile up across retries.
	if err := s.repo.ResetErrors(r.Context(), id); err != nil {
		s.writeFromErr(w, err)
		return
	}

	if err := s.single.Process(r.Context(), id); err != nil {
		s.writeFromErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": id.String(), "status": "accepted"})
}

type processAllRequest struct {
	Category string `json:"category"`
}

func (s *Server) processAllHandler(w http.ResponseWriter, r *http.Request) {
	var req processAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	category, ok := constants.CanonicalizeCategory(req.Category)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown category "+req.Category)
		return
	}

	report, err := s.batch.ProcessAll(r.Context(), category)
	if err != nil {
		s.writeFromErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
