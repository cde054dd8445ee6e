package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Handler exposes ingestion as an HTTP endpoint.
type Handler struct {
	service *Service
	preview bool
}

// NewHTTPHandler wraps the service with a POST endpoint that imports the
// uploaded file.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

// NewPreviewHandler wraps the service with a POST endpoint that describes
// the uploaded file without saving it.
func NewPreviewHandler(service *Service) http.Handler {
	return &Handler{service: service, preview: true}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	req := Request{FileName: header.Filename, Data: file}

	if raw := strings.TrimSpace(r.FormValue("headerRowIndex")); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid headerRowIndex: %v", err), http.StatusBadRequest)
			return
		}
		req.HeaderRowIndex = &idx
	}

	if raw := strings.TrimSpace(r.FormValue("atomic")); raw != "" {
		atomic, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid atomic flag: %v", err), http.StatusBadRequest)
			return
		}
		req.Atomic = atomic
	}

	if raw := strings.TrimSpace(r.FormValue("columnTypes")); raw != "" {
		overrides, err := parseOverrides(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.ColumnOverrides = overrides
	}

	if h.preview {
		result, err := h.service.Preview(req, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	summary, err := h.service.Ingest(r.Context(), req)
	switch {
	case errors.Is(err, ErrRejected):
		writeJSON(w, http.StatusUnprocessableEntity, summary)
	case errors.Is(err, ErrInvalidFile):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		h.service.logger.ErrorContext(r.Context(), "import failed", "file", req.FileName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func parseOverrides(raw string) (map[string]CellType, error) {
	var overrides map[string]CellType
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("invalid columnTypes: %w", err)
	}
	for column, t := range overrides {
		switch t {
		case CellString, CellInteger, CellFloat, CellBoolean, CellJSON:
		default:
			return nil, fmt.Errorf("invalid columnTypes: unknown type %q for %s", t, column)
		}
	}
	return overrides, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
