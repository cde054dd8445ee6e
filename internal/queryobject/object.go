// Package queryobject reads rows described by a query object: the columns
// to select, a filter, sorting, paging and nested relations to join. Each
// nesting level can be customized with callbacks that see the level number.
package queryobject

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// QueryObject is the caller's read request for one level.
type QueryObject struct {
	Select []string                `json:"select,omitempty"`
	Filter map[string]any          `json:"filter,omitempty"`
	Sort   []string                `json:"sort,omitempty"`
	Skip   int                     `json:"skip,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
	Join   map[string]*QueryObject `json:"join,omitempty"`
}

// Row is one result row keyed by column or relation name.
type Row map[string]any

// InvalidQueryError reports a query object that does not fit the table.
type InvalidQueryError struct {
	Table  string
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query on %s: %s %q", e.Table, e.Reason, e.Field)
}

// FromValues reads a query object from URL parameters. select and sort take
// a JSON array or a comma-separated list, filter a JSON object, join a JSON
// object of nested query objects or a list of relation names.
func FromValues(values url.Values) (*QueryObject, error) {
	obj := &QueryObject{}

	if raw := values.Get("select"); raw != "" {
		obj.Select = listParam(raw)
	}
	if raw := values.Get("sort"); raw != "" {
		obj.Sort = listParam(raw)
	}
	if raw := values.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &obj.Filter); err != nil {
			return nil, fmt.Errorf("failed to parse filter: %w", err)
		}
	}
	if raw := values.Get("join"); raw != "" {
		join, err := parseJoin(raw)
		if err != nil {
			return nil, err
		}
		obj.Join = join
	}
	for name, dst := range map[string]*int{"skip": &obj.Skip, "limit": &obj.Limit} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s %q", name, raw)
		}
		*dst = n
	}
	if cursor := values.Get("cursor"); cursor != "" {
		if err := obj.ApplyCursor(cursor); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func listParam(raw string) []string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseJoin(raw string) (map[string]*QueryObject, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var join map[string]*QueryObject
		if err := json.Unmarshal([]byte(raw), &join); err != nil {
			return nil, fmt.Errorf("failed to parse join: %w", err)
		}
		for name, obj := range join {
			if obj == nil {
				join[name] = &QueryObject{}
			}
		}
		return join, nil
	}
	join := make(map[string]*QueryObject)
	for _, name := range listParam(raw) {
		join[name] = &QueryObject{}
	}
	return join, nil
}

// ApplyCursor positions the query at a page cursor produced by PageLinks.
func (o *QueryObject) ApplyCursor(cursor string) error {
	rest, ok := strings.CutPrefix(cursor, "skip:")
	if !ok {
		return fmt.Errorf("invalid cursor %q", cursor)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid cursor %q", cursor)
	}
	o.Skip = n
	return nil
}

// PageLinks holds cursors to the neighbouring pages; empty means none.
type PageLinks struct {
	Prev string `json:"prev,omitempty"`
	Next string `json:"next,omitempty"`
}
