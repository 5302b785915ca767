// Package record defines the boundary between this index layer and the
// record storage/schema layer that spec §1 places out of scope: Index
// metadata, the key-expression tree used to compute indexed values, the
// RecordAccess capability maintainers use to evaluate that tree against an
// opaque record, and the Maintainer trait every concrete index kind
// implements.
package record

// Scope distinguishes an index whose entries are confined to one logical
// partition from one spanning the whole store.
type Scope int

const (
	ScopePartition Scope = iota
	ScopeGlobal
)

// Kind names one of the eleven supported index kinds.
type Kind string

const (
	KindValue    Kind = "VALUE"
	KindCount    Kind = "COUNT"
	KindSum      Kind = "SUM"
	KindAvg      Kind = "AVG"
	KindMin      Kind = "MIN"
	KindMax      Kind = "MAX"
	KindRank     Kind = "RANK"
	KindVersion  Kind = "VERSION"
	KindPermuted Kind = "PERMUTED"
	KindSpatial  Kind = "SPATIAL"
	KindVector   Kind = "VECTOR"
)

// Index is the registered metadata for one secondary index (spec §3's
// Index entity). Record serialization and schema loading that would
// populate RecordTypes and resolve field names live entirely outside this
// module; Index only carries what a Maintainer needs to do its job.
type Index struct {
	Name          string
	Type          Kind
	RootExpr      Expression
	Options       map[string]any
	Scope         Scope
	RecordTypes   []string
	SupportedType bool // set by the caller's schema loader once type checked
}

// ColumnCount reports the number of tuple positions RootExpr contributes,
// used by the SUM/MIN/MAX/AVG maintainers to split grouping columns from
// the aggregated value column (spec §4.3: "grouping arity is
// rootExpression.columnCount - 1").
func (idx Index) ColumnCount() int {
	return columnCount(idx.RootExpr)
}

func columnCount(e Expression) int {
	switch v := e.(type) {
	case FieldExpr:
		return 1
	case LiteralExpr:
		return len(v.Elements)
	case EmptyExpr:
		return 0
	case ConcatenateExpr:
		n := 0
		for _, c := range v.Children {
			n += columnCount(c)
		}
		return n
	default:
		return 0
	}
}
