package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/calliope-ai/groundskeeper/internal/filestore"
)

// maxUploadBytes caps a single document upload (20 MB).
const maxUploadBytes = 20 << 20

// documentHandler serves document ingestion and store management endpoints.
type documentHandler struct {
	manager *filestore.Manager
	logger  *slog.Logger
}

// upload handles POST /api/v1/agents/{agentId}/documents as multipart form
// data with a single "file" part. The file is staged to a temp path before
// handing it to the provisioner, which needs a seekable file for upload.
func (h *documentHandler) upload(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	agentID := r.PathValue("agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "missing_agent_id", "agentId is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "could not parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "file part is required")
		return
	}
	defer file.Close()

	staged, err := os.CreateTemp("", "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		h.logger.Error("staging upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stage upload")
		return
	}
	defer func() {
		staged.Close()
		if err := os.Remove(staged.Name()); err != nil {
			h.logger.Warn("removing staged upload", "path", staged.Name(), "error", err)
		}
	}()

	size, err := io.Copy(staged, file)
	if err != nil {
		h.logger.Error("staging upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stage upload")
		return
	}
	if err := staged.Close(); err != nil {
		h.logger.Error("staging upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stage upload")
		return
	}

	doc, err := h.manager.Upload(r.Context(), filestore.UploadRequest{
		AgentID:  agentID,
		UserID:   userID,
		Path:     staged.Name(),
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     size,
	})
	if err != nil {
		var resErr *filestore.ResolutionError
		if errors.As(err, &resErr) {
			h.logger.Error("resolving store for upload", "agent_id", agentID, "error", err)
			writeError(w, http.StatusBadGateway, "store_unavailable", "document store unavailable")
			return
		}
		h.logger.Error("uploading document", "agent_id", agentID, "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "upload_failed", "failed to upload document")
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

// list handles GET /api/v1/agents/{agentId}/documents. The optional
// mine=true query restricts results to the caller's uploads.
func (h *documentHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	agentID := r.PathValue("agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "missing_agent_id", "agentId is required")
		return
	}

	filterUser := ""
	if r.URL.Query().Get("mine") == "true" {
		filterUser = userID
	}

	docs, err := h.manager.Documents(r.Context(), agentID, filterUser)
	if err != nil {
		h.logger.Error("listing documents", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list documents")
		return
	}
	if docs == nil {
		docs = []*filestore.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// delete handles DELETE /api/v1/documents/{id}.
func (h *documentHandler) delete(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return
	}

	if err := h.manager.DeleteDocument(r.Context(), id, userID); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		h.logger.Error("deleting document", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listStores handles GET /api/v1/stores.
func (h *documentHandler) listStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.manager.List(r.Context())
	if err != nil {
		h.logger.Error("listing stores", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list stores")
		return
	}
	if stores == nil {
		stores = []*filestore.Store{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stores": stores})
}

// deleteStore handles DELETE /api/v1/stores/{storeId} where storeId is the
// provider store identifier.
func (h *documentHandler) deleteStore(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("storeId")
	if storeID == "" {
		writeError(w, http.StatusBadRequest, "missing_store_id", "storeId is required")
		return
	}

	if err := h.manager.Delete(r.Context(), storeID); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "store not found")
			return
		}
		h.logger.Error("deleting store", "store_id", storeID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete store")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
