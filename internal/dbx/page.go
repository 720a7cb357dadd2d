package dbx

// PageSpec is the parsed form of §6's "Paging": start is an exclusive row
// id, delta is signed and non-zero. A positive delta pages forward
// (ascending order, rows with id > start); a negative delta pages backward
// (descending order, rows with id < start). At most |delta| rows are
// returned either way.
type PageSpec struct {
	Start int64
	Delta int64
}

// Valid rejects the one input §6 calls out as invalid: a zero delta.
func (p PageSpec) Valid() bool { return p.Delta != 0 }

// Forward reports whether this page reads ascending from Start.
func (p PageSpec) Forward() bool { return p.Delta > 0 }

// Limit is the maximum number of rows this page may return: |delta|.
func (p PageSpec) Limit() int64 {
	if p.Delta < 0 {
		return -p.Delta
	}
	return p.Delta
}

// CompareOp is the SQL comparison a paged query should use against its
// monotonic row id column: ">" when paging forward, "<" when paging
// backward. The result is always one of these two fixed strings, so
// splicing it into a query string never admits caller-controlled SQL.
func (p PageSpec) CompareOp() string {
	if p.Forward() {
		return ">"
	}
	return "<"
}

// Order is the SQL ordering direction matching CompareOp: "ASC" forward,
// "DESC" backward (§6: "returned rows ordered ascending if forward,
// descending if backward").
func (p PageSpec) Order() string {
	if p.Forward() {
		return "ASC"
	}
	return "DESC"
}
