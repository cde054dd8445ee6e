package export

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rpattn/crudql/internal/service"
)

// Handler serves GET requests with format, select, filter and sort query
// parameters. Filter is a JSON object; select and sort are comma separated.
type Handler struct {
	service *Service
	now     func() time.Time
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service, now: time.Now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	format, err := ParseFormat(query.Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := Request{
		Format: format,
		Select: splitList(query.Get("select")),
		Sort:   splitList(query.Get("sort")),
	}
	if raw := strings.TrimSpace(query.Get("filter")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Filter); err != nil {
			http.Error(w, fmt.Sprintf("invalid filter: %v", err), http.StatusBadRequest)
			return
		}
	}

	out := &deferredHeaders{ResponseWriter: w, apply: func(header http.Header) {
		header.Set("Content-Type", format.ContentType())
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", FileName("users", format, h.now())))
	}}
	if _, err := h.service.Export(r.Context(), out, req); err != nil {
		if out.wrote {
			h.service.logger.ErrorContext(r.Context(), "export aborted", "error", err)
			return
		}
		code := service.ErrorCode(err)
		switch code {
		case service.CodeBadRequest, service.CodeInvalidField:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.service.logger.ErrorContext(r.Context(), "export failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// deferredHeaders sets the attachment headers on the first write, leaving
// the response free for an error status until then.
type deferredHeaders struct {
	http.ResponseWriter
	apply func(http.Header)
	wrote bool
}

func (d *deferredHeaders) Write(p []byte) (int, error) {
	if !d.wrote {
		d.wrote = true
		d.apply(d.Header())
	}
	return d.ResponseWriter.Write(p)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
