// Package ingestion imports users from CSV and XLSX files. Every data row
// becomes an input dictionary that is saved with CreateOrUpdate: rows with
// an id update that user, rows without one create a user.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/db"
	"github.com/rpattn/crudql/internal/domain"
	"github.com/rpattn/crudql/internal/service"
	"github.com/rpattn/crudql/internal/session"
)

// ErrRejected is returned by an atomic import in which any row failed;
// nothing was saved.
var ErrRejected = errors.New("import rejected")

// ErrInvalidFile wraps every error about the upload itself.
var ErrInvalidFile = errors.New("invalid file")

// Service imports tabular data into users.
type Service struct {
	conn   *db.Connection
	users  *service.Users
	logger *slog.Logger
}

// NewService creates a new ingestion service.
func NewService(conn *db.Connection, users *service.Users, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{conn: conn, users: users, logger: logger}
}

// Request describes the ingestion input.
type Request struct {
	FileName string
	// HeaderRowIndex selects the 0-based header row; nil picks the first
	// non-empty row.
	HeaderRowIndex  *int
	ColumnOverrides map[string]CellType
	// Atomic saves every row in one transaction and saves nothing when a
	// row fails. Otherwise each row commits on its own and failed rows are
	// reported and skipped.
	Atomic bool
	Data   io.Reader
}

// RowError reports why a row was not saved.
type RowError struct {
	Row     int    `json:"row"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Summary returns ingestion level metrics.
type Summary struct {
	TotalRows   int               `json:"totalRows"`
	Created     int               `json:"created"`
	Updated     int               `json:"updated"`
	InvalidRows int               `json:"invalidRows"`
	Columns     map[string]string `json:"columns"`
	Errors      []RowError        `json:"errors"`
}

type rowJob struct {
	number int
	input  crud.Input
}

// Ingest reads the uploaded file and saves its rows.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{Columns: map[string]string{}, Errors: []RowError{}}

	table, err := s.read(req.FileName, req.Data, req.HeaderRowIndex)
	if err != nil {
		return summary, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	summary.TotalRows = len(table.rows)

	types := columnTypes(table, req.ColumnOverrides)
	for i, h := range table.headers {
		summary.Columns[h] = string(types[i])
	}

	jobs := make([]rowJob, 0, len(table.rows))
	for i, row := range table.rows {
		input, err := rowInput(table.headers, types, row)
		if err != nil {
			s.reject(ctx, &summary, table.rowNumbers[i], err)
			continue
		}
		jobs = append(jobs, rowJob{number: table.rowNumbers[i], input: input})
	}

	if req.Atomic {
		err = s.saveAtomic(ctx, &summary, jobs)
	} else {
		s.saveEach(ctx, &summary, jobs)
	}
	summary.InvalidRows = len(summary.Errors)
	s.logger.InfoContext(ctx, "import finished",
		"file", req.FileName, "rows", summary.TotalRows, "created", summary.Created,
		"updated", summary.Updated, "invalid", summary.InvalidRows)
	return summary, err
}

func (s *Service) read(fileName string, data io.Reader, headerRowIndex *int) (tableData, error) {
	if data == nil {
		return tableData{}, errors.New("data reader is required")
	}
	payload, err := io.ReadAll(data)
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return tableData{}, errors.New("file is empty")
	}
	table, _, err := parseTable(fileName, payload, headerRowIndex)
	return table, err
}

func (s *Service) saveAtomic(ctx context.Context, summary *Summary, jobs []rowJob) error {
	if len(summary.Errors) > 0 {
		return ErrRejected
	}
	var created, updated int
	err := crud.Converting(domain.UserModel.Name(), func() error {
		return s.conn.WithSession(ctx, func(sess *session.Session) error {
			for _, job := range jobs {
				isNew, err := s.save(ctx, sess, job.input)
				if err != nil {
					return &rowFailure{row: job.number, err: err}
				}
				if isNew {
					created++
				} else {
					updated++
				}
			}
			return nil
		})
	})
	var failure *rowFailure
	if errors.As(err, &failure) {
		s.reject(ctx, summary, failure.row, err)
		return ErrRejected
	}
	if err != nil {
		return err
	}
	summary.Created, summary.Updated = created, updated
	return nil
}

func (s *Service) saveEach(ctx context.Context, summary *Summary, jobs []rowJob) {
	for _, job := range jobs {
		var isNew bool
		err := crud.Converting(domain.UserModel.Name(), func() error {
			return s.conn.WithSession(ctx, func(sess *session.Session) error {
				var err error
				isNew, err = s.save(ctx, sess, job.input)
				return err
			})
		})
		switch {
		case err != nil:
			s.reject(ctx, summary, job.number, err)
		case isNew:
			summary.Created++
		default:
			summary.Updated++
		}
	}
}

func (s *Service) save(ctx context.Context, sess *session.Session, input crud.Input) (bool, error) {
	p, _ := auth.PrincipalFromContext(ctx)
	h, err := s.users.Handler(sess, domain.NewUserParams(p), nil)
	if err != nil {
		return false, err
	}
	_, isUpdate := input["id"]
	if _, err := h.CreateOrUpdate(ctx, input); err != nil {
		return false, err
	}
	return !isUpdate, nil
}

func (s *Service) reject(ctx context.Context, summary *Summary, row int, err error) {
	re := RowError{Row: row, Code: service.ErrorCode(err), Message: err.Error()}
	var invalid *crud.InvalidFieldError
	if errors.As(err, &invalid) {
		re.Field = invalid.Field
	}
	if re.Code == service.CodeInternal {
		s.logger.ErrorContext(ctx, "import row failed", "row", row, "error", err)
		re.Message = "internal error"
	}
	summary.Errors = append(summary.Errors, re)
}

// rowFailure carries the failing row number out of a transaction.
type rowFailure struct {
	row int
	err error
}

func (e *rowFailure) Error() string { return fmt.Sprintf("row %d: %v", e.row, e.err) }
func (e *rowFailure) Unwrap() error { return e.err }

func columnTypes(table tableData, overrides map[string]CellType) []CellType {
	types := make([]CellType, len(table.headers))
	for i, h := range table.headers {
		if t, ok := overrides[h]; ok && t != "" {
			types[i] = t
			continue
		}
		types[i] = profileColumn(i, table.rows)
	}
	return types
}

// rowInput converts the non-empty cells of a row; empty cells are left out
// of the input so they never overwrite stored values.
func rowInput(headers []string, types []CellType, row []string) (crud.Input, error) {
	input := make(crud.Input, len(headers))
	for i, h := range headers {
		raw := row[i]
		if raw == "" {
			continue
		}
		v, err := coerceValue(types[i], raw)
		if err != nil {
			return nil, &crud.InvalidFieldError{Model: domain.UserModel.Name(), Field: h, Reason: err.Error()}
		}
		input[h] = v
	}
	return input, nil
}

// ColumnPreview describes one column as an import would read it.
type ColumnPreview struct {
	Name          string `json:"name"`
	OriginalLabel string `json:"originalLabel"`
	DetectedType  string `json:"detectedType"`
	EffectiveType string `json:"effectiveType"`
	Known         bool   `json:"known"`
}

// PreviewResult returns preview metadata back to clients.
type PreviewResult struct {
	TotalRows        int                 `json:"totalRows"`
	Columns          []ColumnPreview     `json:"columns"`
	Rows             []map[string]string `json:"rows"`
	HeaderCandidates []HeaderCandidate   `json:"headerCandidates"`
}

// Preview parses the file without saving anything. Limit caps the sample
// rows returned (default 20).
func (s *Service) Preview(req Request, limit int) (PreviewResult, error) {
	result := PreviewResult{Columns: []ColumnPreview{}, Rows: []map[string]string{}}
	if limit <= 0 {
		limit = 20
	}
	if req.Data == nil {
		return result, errors.New("data reader is required")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return result, fmt.Errorf("failed to read upload: %w", err)
	}
	table, records, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return result, err
	}

	result.TotalRows = len(table.rows)
	result.HeaderCandidates = buildHeaderCandidates(records, 10, table.headerRowIndex)
	types := columnTypes(table, req.ColumnOverrides)
	for i, h := range table.headers {
		result.Columns = append(result.Columns, ColumnPreview{
			Name:          h,
			OriginalLabel: table.rawHeaders[i],
			DetectedType:  string(profileColumn(i, table.rows)),
			EffectiveType: string(types[i]),
			Known:         domain.UserModel.HasField(h) || h == "articles" || h == "new_articles",
		})
	}
	for i, row := range table.rows {
		if i >= limit {
			break
		}
		values := make(map[string]string, len(row))
		for j, h := range table.headers {
			values[h] = row[j]
		}
		result.Rows = append(result.Rows, values)
	}
	return result, nil
}
