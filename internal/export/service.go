// Package export streams user listings as CSV or XLSX files. Exports run
// through the same handler as list requests, so the principal's security
// filter applies to every page.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/db"
	"github.com/rpattn/crudql/internal/domain"
	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/service"
	"github.com/rpattn/crudql/internal/session"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for formats other than csv and xlsx.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ParseFormat maps a request value to a format; empty means csv.
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Service writes exports.
type Service struct {
	conn     *db.Connection
	users    *service.Users
	pageSize int
	logger   *slog.Logger
}

type Option func(*Service)

// WithPageSize sets how many rows each listing page reads.
func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(conn *db.Connection, users *service.Users, opts ...Option) *Service {
	s := &Service{
		conn:     conn,
		users:    users,
		pageSize: 1000,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request selects what to export. Select defaults to every user column;
// Filter and Sort take the same forms as list requests.
type Request struct {
	Format Format
	Select []string
	Filter map[string]any
	Sort   []string
}

// Result reports what an export wrote.
type Result struct {
	Rows  int   `json:"rows"`
	Bytes int64 `json:"bytes"`
}

type rowWriter interface {
	header(columns []string) error
	row(values []any) error
	close() error
}

// Export writes every user the principal in ctx may see to w.
func (s *Service) Export(ctx context.Context, w io.Writer, req Request) (Result, error) {
	columns := req.Select
	if len(columns) == 0 {
		columns = domain.UserModel.ColumnNames()
	}
	counter := &countingWriter{writer: bufio.NewWriterSize(w, 1<<16)}

	var out rowWriter
	switch req.Format {
	case FormatCSV, "":
		out = &csvRows{w: csv.NewWriter(counter), buf: counter.writer}
	case FormatXLSX:
		xw, err := newXLSXRows(counter)
		if err != nil {
			return Result{}, err
		}
		out = xw
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}

	p, _ := auth.PrincipalFromContext(ctx)
	var result Result
	err := s.conn.WithSession(ctx, func(sess *session.Session) error {
		if err := out.header(columns); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		values := make([]any, len(columns))
		for skip := 0; ; skip += s.pageSize {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			obj := &queryobject.QueryObject{
				Select: columns,
				Filter: req.Filter,
				Sort:   req.Sort,
				Skip:   skip,
				Limit:  s.pageSize,
			}
			h, err := s.users.Handler(sess, domain.NewUserParams(p), obj)
			if err != nil {
				return err
			}
			rows, err := h.List(ctx)
			if err != nil {
				return err
			}
			for _, row := range rows {
				for i, c := range columns {
					values[i] = row[c]
				}
				if err := out.row(values); err != nil {
					return fmt.Errorf("write row: %w", err)
				}
				result.Rows++
			}
			if h.PageLinks().Next == "" {
				return nil
			}
		}
	})
	if err != nil {
		if x, ok := out.(*xlsxRows); ok {
			_ = x.file.Close()
		}
		return result, err
	}
	if err := out.close(); err != nil {
		return result, fmt.Errorf("final flush: %w", err)
	}
	result.Bytes = counter.count
	s.logger.InfoContext(ctx, "export completed", "format", string(req.Format), "rows", result.Rows, "bytes", result.Bytes)
	return result, nil
}

// FileName names an export file created at now.
func FileName(base string, format Format, now time.Time) string {
	if format == "" {
		format = FormatCSV
	}
	return fmt.Sprintf("%s-%s.%s", sanitizeFileComponent(base), now.UTC().Format("20060102-150405"), format)
}

type csvRows struct {
	w   *csv.Writer
	buf *bufio.Writer
	rec []string
}

func (c *csvRows) header(columns []string) error {
	c.rec = make([]string, len(columns))
	return c.w.Write(columns)
}

func (c *csvRows) row(values []any) error {
	for i, v := range values {
		c.rec[i] = formatValue(v)
	}
	return c.w.Write(c.rec)
}

func (c *csvRows) close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	return c.buf.Flush()
}

const sheetName = "Sheet1"

type xlsxRows struct {
	file   *excelize.File
	stream *excelize.StreamWriter
	out    *countingWriter
	next   int
}

func newXLSXRows(out *countingWriter) (*xlsxRows, error) {
	f := excelize.NewFile()
	stream, err := f.NewStreamWriter(sheetName)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open xlsx stream: %w", err)
	}
	return &xlsxRows{file: f, stream: stream, out: out, next: 1}, nil
}

func (x *xlsxRows) header(columns []string) error {
	values := make([]any, len(columns))
	for i, c := range columns {
		values[i] = c
	}
	return x.row(values)
}

func (x *xlsxRows) row(values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, x.next)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = cellValue(v)
	}
	x.next++
	return x.stream.SetRow(cell, cells)
}

func (x *xlsxRows) close() error {
	defer func() { _ = x.file.Close() }()
	if err := x.stream.Flush(); err != nil {
		return err
	}
	if _, err := x.file.WriteTo(x.out); err != nil {
		return err
	}
	return x.out.writer.Flush()
}

// cellValue keeps scalars typed in the sheet and writes lists as JSON.
func cellValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string, bool, int, int32, int64, float32, float64:
		return v
	default:
		return formatValue(v)
	}
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
