package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"renditiond/logger"
	"renditiond/utils"
)

// requireAdmin rejects requests without a valid admin bearer token.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := utils.VerifyAdminJWT(strings.TrimSpace(parts[1]), s.JWT)
		if err != nil {
			logger.Warnf("Rejected admin request from %s: %v", r.RemoteAddr, err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		logger.Debugf("Admin request %s %s by %s", r.Method, r.URL.Path, claims.Subject)
		next.ServeHTTP(w, r)
	})
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":       s.Renditions.Stats(),
		"descriptors": s.Descriptors.Len(),
	})
}

// failureListHandler lists every recorded failure.
func (s *server) failureListHandler(w http.ResponseWriter, r *http.Request) {
	if s.Failures == nil {
		writeError(w, http.StatusNotFound, "failure ledger disabled")
		return
	}
	list, err := s.Failures.ListFailures()
	if err != nil {
		logger.Errorf("Failed to list failures: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": list,
		"count":    len(list),
	})
}

// failureQueryHandler returns the failure recorded for one task hash.
func (s *server) failureQueryHandler(w http.ResponseWriter, r *http.Request) {
	if s.Failures == nil {
		writeError(w, http.StatusNotFound, "failure ledger disabled")
		return
	}
	taskHash := chi.URLParam(r, "taskHash")
	record, err := s.Failures.GetFailure(taskHash)
	if err != nil {
		logger.Errorf("Failed to query failure for hash %s: %v", taskHash, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"taskHash": taskHash,
			"status":   "not_found",
		})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// successListHandler lists the renders completed for one descriptor.
func (s *server) successListHandler(w http.ResponseWriter, r *http.Request) {
	if s.Successes == nil {
		writeError(w, http.StatusNotFound, "success ledger disabled")
		return
	}
	descriptorHash := chi.URLParam(r, "descriptorHash")
	records, err := s.Successes.ListSuccessRecords(descriptorHash)
	if err != nil {
		logger.Errorf("Failed to list success records: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success_records": records,
		"count":           len(records),
	})
}

// purgeHandler drops a descriptor and every rendition cached for it.
func (s *server) purgeHandler(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	purged, err := s.Renditions.PurgeDescriptor(hash)
	if err != nil {
		logger.Errorf("Failed to purge descriptor %s: %v", hash, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	known := s.Descriptors.Forget(hash)
	if !known && purged == 0 {
		writeError(w, http.StatusNotFound, "unknown descriptor")
		return
	}
	logger.Infof("Purged descriptor %s (%d cached entries)", hash, purged)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hash":   hash,
		"purged": purged,
	})
}

// storeCredentialsHandler stores mirror backend credentials under a key.
func (s *server) storeCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Credentials == nil {
		writeError(w, http.StatusNotFound, "credentials store disabled")
		return
	}
	var creds map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&creds); err != nil || len(creds) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a non-empty JSON object of strings")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.Credentials.StoreCredentials(key, creds); err != nil {
		logger.Errorf("Failed to store credentials %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
