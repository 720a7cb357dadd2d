package dbx

import (
	"fmt"
	"strings"
)

// UpdateBuilder builds an UPDATE statement at runtime from a whitelisted
// column set, per §9's "Dynamic SQL for partial updates" design note.
// Set panics on a column outside the whitelist (a programmer error), Build
// reports ok=false when nothing was staged, and otherwise only executing
// the built statement against the database can fail. Each caller (account reconfiguration's customer and
// account tables) declares its own closed set of updatable columns by
// constructing a fresh Builder rather than sharing one across tables.
type UpdateBuilder struct {
	table   string
	allowed map[string]struct{}
	cols    []string
	args    []any
	where   string
	whereArgs []any
}

// NewUpdateBuilder constructs a builder for table, restricted to columns.
func NewUpdateBuilder(table string, columns ...string) *UpdateBuilder {
	allowed := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		allowed[c] = struct{}{}
	}
	return &UpdateBuilder{table: table, allowed: allowed}
}

// Set stages column=value for the next Build call. Panics if column isn't
// in the whitelist passed to NewUpdateBuilder — a programmer error, not a
// runtime condition, since the whitelist is fixed per call site.
func (b *UpdateBuilder) Set(column string, value any) *UpdateBuilder {
	if _, ok := b.allowed[column]; !ok {
		panic(fmt.Sprintf("dbx: column %q not in update whitelist for %s", column, b.table))
	}
	b.cols = append(b.cols, column)
	b.args = append(b.args, value)
	return b
}

// Len reports how many columns have been staged so far, so a caller can
// number its Where placeholder correctly before Build renders the query.
func (b *UpdateBuilder) Len() int { return len(b.cols) }

// Where sets the filter clause (typically "id = $N"); placeholders must
// continue numbering from len(b.cols)+1.
func (b *UpdateBuilder) Where(clause string, args ...any) *UpdateBuilder {
	b.where = clause
	b.whereArgs = args
	return b
}

// Build renders the final SQL and its positional argument list. Returns
// ok=false if no columns were staged, since an UPDATE with an empty SET
// clause is always a caller bug.
func (b *UpdateBuilder) Build() (query string, args []any, ok bool) {
	if len(b.cols) == 0 {
		return "", nil, false
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(b.table)
	sb.WriteString(" SET ")
	for i, col := range b.cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = $%d", col, i+1)
	}
	args = append(args, b.args...)

	if b.where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(b.where)
		args = append(args, b.whereArgs...)
	}

	return sb.String(), args, true
}
