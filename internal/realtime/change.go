package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// Change describes one row write. New is absent for deletes, Old for inserts.
type Change struct {
	Table           string          `json:"table"`
	Type            ChangeType      `json:"type"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// NewChange marshals the row images of a write.
func NewChange(table string, typ ChangeType, newRow, oldRow any) (Change, error) {
	c := Change{Table: table, Type: typ, CommitTimestamp: time.Now().UTC()}
	var err error
	if newRow != nil {
		if c.New, err = json.Marshal(newRow); err != nil {
			return Change{}, fmt.Errorf("marshal new row: %w", err)
		}
	}
	if oldRow != nil {
		if c.Old, err = json.Marshal(oldRow); err != nil {
			return Change{}, fmt.Errorf("marshal old row: %w", err)
		}
	}
	return c, nil
}

// RowID returns the id column of the newest row image.
func (c Change) RowID() string {
	for _, raw := range []json.RawMessage{c.New, c.Old} {
		if len(raw) == 0 {
			continue
		}
		var row struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &row) == nil && row.ID != "" {
			return row.ID
		}
	}
	return ""
}

// Filter selects changes for one table, optionally one row.
type Filter struct {
	Table string
	RowID string
}

// ParseFilter accepts an optional row expression of the form id=eq.<id>.
func ParseFilter(table, expr string) (Filter, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return Filter{}, errors.New("realtime filter requires a table")
	}
	f := Filter{Table: table}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return f, nil
	}
	col, rest, ok := strings.Cut(expr, "=")
	if !ok || col != "id" || !strings.HasPrefix(rest, "eq.") || strings.TrimPrefix(rest, "eq.") == "" {
		return Filter{}, fmt.Errorf("unsupported realtime filter %q", expr)
	}
	f.RowID = strings.TrimPrefix(rest, "eq.")
	return f, nil
}

// String renders the row expression accepted by ParseFilter.
func (f Filter) String() string {
	if f.RowID == "" {
		return ""
	}
	return "id=eq." + f.RowID
}

// Match reports whether c passes the filter.
func (f Filter) Match(c Change) bool {
	if c.Table != f.Table {
		return false
	}
	return f.RowID == "" || c.RowID() == f.RowID
}
