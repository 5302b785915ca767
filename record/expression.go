package record

import (
	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/tuple"
)

// Expression is one node of a key-expression tree (spec §3: "a tree of
// field, concatenate, literal, empty").
type Expression interface {
	isExpression()
}

// FieldExpr extracts a (possibly multi-valued) field by name from a
// record. Extraction yielding zero values means the field is absent or
// null; per the null-field rule (spec §9), that collapses the whole
// containing concatenate to zero entries rather than contributing a
// placeholder.
type FieldExpr struct {
	Name string
}

func (FieldExpr) isExpression() {}

// ConcatenateExpr combines its children's entry sets by cartesian
// product, in order.
type ConcatenateExpr struct {
	Children []Expression
}

func (ConcatenateExpr) isExpression() {}

// LiteralExpr always contributes exactly the given fixed elements,
// independent of the record (used for index options that pin constant
// tuple columns).
type LiteralExpr struct {
	Elements tuple.Tuple
}

func (LiteralExpr) isExpression() {}

// EmptyExpr contributes exactly one zero-element entry — the identity for
// ConcatenateExpr's cartesian product.
type EmptyExpr struct{}

func (EmptyExpr) isExpression() {}

// Evaluate computes the set of tuple entries expr produces for record,
// using access to extract named fields (spec §4.10.1). It is the shared
// algorithm a RecordAccess.Evaluate implementation delegates to; it has
// no knowledge of any concrete record representation.
func Evaluate(record any, expr Expression, access FieldExtractor) ([]tuple.Tuple, error) {
	switch e := expr.(type) {
	case FieldExpr:
		vals, err := access.ExtractField(record, e.Name)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, nil
		}
		out := make([]tuple.Tuple, len(vals))
		for i, v := range vals {
			out[i] = tuple.Tuple{v}
		}
		return out, nil

	case ConcatenateExpr:
		combos := []tuple.Tuple{{}}
		for _, child := range e.Children {
			childEntries, err := Evaluate(record, child, access)
			if err != nil {
				return nil, err
			}
			if len(childEntries) == 0 {
				return nil, nil
			}
			next := make([]tuple.Tuple, 0, len(combos)*len(childEntries))
			for _, c := range combos {
				for _, ce := range childEntries {
					next = append(next, c.Append(ce...))
				}
			}
			combos = next
		}
		return combos, nil

	case LiteralExpr:
		return []tuple.Tuple{append(tuple.Tuple{}, e.Elements...)}, nil

	case EmptyExpr:
		return []tuple.Tuple{{}}, nil

	default:
		return nil, errs.NewInvalidArgument("unsupported expression variant %T", expr)
	}
}

// FieldExtractor is the subset of RecordAccess the evaluator needs,
// named separately so tests can supply a bare extractor without a full
// RecordAccess.
type FieldExtractor interface {
	ExtractField(record any, name string) ([]tuple.Element, error)
}
