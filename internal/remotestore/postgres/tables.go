package postgres

import (
	"fmt"
	"sort"

	"github.com/visible-governance/platform/internal/remotestore"
)

// table describes a relation exposed through the store. Only listed columns
// may be read, written or filtered.
type table struct {
	name    string
	columns map[string]string // column -> SQL type
}

var tables = map[string]table{
	remotestore.TableComplaints: {
		name: "complaints",
		columns: map[string]string{
			"id":          "text",
			"title":       "text",
			"description": "text",
			"category":    "text",
			"department":  "text",
			"location":    "text",
			"status":      "text",
			"priority":    "text",
			"anonymous":   "boolean",
			"evidence":    "jsonb",
			"timeline":    "jsonb",
			"user_id":     "text",
			"assigned_to": "text",
			"version":     "bigint",
			"created_at":  "timestamptz",
			"updated_at":  "timestamptz",
		},
	},
	remotestore.TableFeedback: {
		name: "feedback",
		columns: map[string]string{
			"id":           "uuid",
			"complaint_id": "text",
			"rating":       "integer",
			"comment":      "text",
			"satisfaction": "text",
			"created_at":   "timestamptz",
		},
	},
}

func lookup(name string) (table, error) {
	t, ok := tables[name]
	if !ok {
		return table{}, fmt.Errorf("%w: %s", remotestore.ErrUnknownTable, name)
	}
	return t, nil
}

// columnsOf returns the row's keys in a stable order, rejecting unknown ones.
func (t table) columnsOf(row remotestore.Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		if _, ok := t.columns[k]; !ok {
			return nil, fmt.Errorf("unknown column %s.%s", t.name, k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}
