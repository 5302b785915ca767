package record

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/tuple"
)

type fakeUser struct {
	id     int64
	email  string
	tags   []string
	region string
}

type fakeAccess struct{}

func (fakeAccess) ExtractField(rec any, name string) ([]tuple.Element, error) {
	u := rec.(fakeUser)
	switch name {
	case "id":
		return []tuple.Element{u.id}, nil
	case "email":
		return []tuple.Element{u.email}, nil
	case "region":
		if u.region == "" {
			return nil, nil
		}
		return []tuple.Element{u.region}, nil
	case "tags":
		if len(u.tags) == 0 {
			return nil, nil
		}
		out := make([]tuple.Element, len(u.tags))
		for i, t := range u.tags {
			out[i] = t
		}
		return out, nil
	}
	return nil, nil
}

func (a fakeAccess) Evaluate(rec Record, expr Expression) ([]tuple.Tuple, error) {
	return Evaluate(rec, expr, a)
}

func (fakeAccess) Deserialize(b []byte) (Record, error) { return nil, nil }

func (fakeAccess) PrimaryKey(rec Record) (tuple.Tuple, error) {
	return tuple.Tuple{rec.(fakeUser).id}, nil
}

func TestEvaluateFieldConcatenate(t *testing.T) {
	var access fakeAccess
	u := fakeUser{id: 1, email: "a@x"}
	expr := ConcatenateExpr{Children: []Expression{FieldExpr{Name: "email"}, FieldExpr{Name: "id"}}}

	entries, err := access.Evaluate(u, expr)
	require.NoError(t, err)
	require.Equal(t, []tuple.Tuple{{"a@x", int64(1)}}, entries)
}

func TestEvaluateNullFieldYieldsNoEntries(t *testing.T) {
	var access fakeAccess
	u := fakeUser{id: 1, email: "a@x"}
	expr := ConcatenateExpr{Children: []Expression{FieldExpr{Name: "region"}, FieldExpr{Name: "id"}}}

	entries, err := access.Evaluate(u, expr)
	require.NoError(t, err)
	require.Empty(t, entries, "an empty multi-valued field must collapse the whole concatenate to no entries")
}

func TestEvaluateMultiValuedCartesianProduct(t *testing.T) {
	var access fakeAccess
	u := fakeUser{id: 1, tags: []string{"x", "y"}}
	expr := ConcatenateExpr{Children: []Expression{FieldExpr{Name: "tags"}, FieldExpr{Name: "id"}}}

	entries, err := access.Evaluate(u, expr)
	require.NoError(t, err)
	require.ElementsMatch(t, []tuple.Tuple{
		{"x", int64(1)},
		{"y", int64(1)},
	}, entries)
}

func TestEvaluateEmptyExprIsIdentity(t *testing.T) {
	var access fakeAccess
	u := fakeUser{id: 1, email: "a@x"}
	expr := ConcatenateExpr{Children: []Expression{EmptyExpr{}, FieldExpr{Name: "email"}}}

	entries, err := access.Evaluate(u, expr)
	require.NoError(t, err)
	require.Equal(t, []tuple.Tuple{{"a@x"}}, entries)
}

func TestEvaluateLiteral(t *testing.T) {
	var access fakeAccess
	expr := LiteralExpr{Elements: tuple.Tuple{"const"}}
	entries, err := access.Evaluate(fakeUser{}, expr)
	require.NoError(t, err)
	require.Equal(t, []tuple.Tuple{{"const"}}, entries)
}

func TestIndexColumnCount(t *testing.T) {
	idx := Index{RootExpr: ConcatenateExpr{Children: []Expression{
		FieldExpr{Name: "region"},
		FieldExpr{Name: "email"},
	}}}
	require.Equal(t, 2, idx.ColumnCount())
}
