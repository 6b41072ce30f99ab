package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/calder-env/docqueue/internal/backfill"
	"github.com/calder-env/docqueue/internal/common"
)

// SecretHeader authenticates the backfill endpoint. It carries a static
// shared secret for the external scheduler, not a user token.
const SecretHeader = "X-Backfill-Secret"

func (s *Server) backfillHandler(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(SecretHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		s.writeError(w, http.StatusUnauthorized, "bad or missing secret")
		return
	}

	// Every request field is optional; a bodyless POST means "defaults".
	var req backfill.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report, err := s.job.Run(r.Context(), req)
	if err != nil {
		if common.IsCallerError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
