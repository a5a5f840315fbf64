package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/visible-governance/platform/internal/remotestore"
)

var sqlOps = map[remotestore.Op]string{
	remotestore.OpEq:  "=",
	remotestore.OpNeq: "<>",
	remotestore.OpGt:  ">",
	remotestore.OpGte: ">=",
	remotestore.OpLt:  "<",
	remotestore.OpLte: "<=",
}

// builder accumulates positional arguments for a statement.
type builder struct {
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// where renders filters against alias. Values travel as text and are cast to
// the column type server-side.
func (b *builder) where(t table, alias string, filters []remotestore.Filter) (string, error) {
	if len(filters) == 0 {
		return "TRUE", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		typ, ok := t.columns[f.Column]
		if !ok {
			return "", fmt.Errorf("unknown column %s.%s", t.name, f.Column)
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", fmt.Errorf("unknown operator %q", f.Op)
		}
		col := alias + "." + f.Column
		if f.Value == nil {
			if f.Op == remotestore.OpNeq {
				parts = append(parts, col+" IS NOT NULL")
			} else {
				parts = append(parts, col+" IS NULL")
			}
			continue
		}
		if f.Op == remotestore.OpNeq {
			// a NULL column is "not equal" to any value
			parts = append(parts, fmt.Sprintf("%s IS DISTINCT FROM %s::text::%s", col, b.arg(textValue(f.Value)), typ))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %s::text::%s", col, op, b.arg(textValue(f.Value)), typ))
	}
	return strings.Join(parts, " AND "), nil
}

func (b *builder) orderBy(t table, alias string, order []remotestore.Order) (string, error) {
	if len(order) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		if _, ok := t.columns[o.Column]; !ok {
			return "", fmt.Errorf("unknown column %s.%s", t.name, o.Column)
		}
		dir := "DESC"
		if o.Ascending {
			dir = "ASC"
		}
		parts = append(parts, alias+"."+o.Column+" "+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
