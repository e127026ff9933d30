package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverline/mongocdc/internal/namespace"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		expr    string
		stages  int
		wantErr bool
	}{
		"empty":                 {expr: "", stages: 0},
		"whitespace":            {expr: "   ", stages: 0},
		"single match":          {expr: `[{"$match": {"operationType": "insert"}}]`, stages: 1},
		"match and project":     {expr: `[{"$match": {"ns.coll": "orders"}}, {"$project": {"fullDocument": 1}}]`, stages: 2},
		"not an array":          {expr: `{"$match": {}}`, wantErr: true},
		"invalid json":          {expr: `[{"$match": ]`, wantErr: true},
		"stage without dollar":  {expr: `[{"match": {}}]`, wantErr: true},
		"stage with two fields": {expr: `[{"$match": {}, "$project": {}}]`, wantErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(test.expr)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, test.stages)
		})
	}
}

// Parsing is pure: the same expression always produces the same stages, so the
// filter a restart rebuilds is identical to the one the stream ran with.
func TestParse_Deterministic(t *testing.T) {
	t.Parallel()
	expr := `[{"$match": {"operationType": {"$in": ["insert", "update"]}}}]`

	first, err := Parse(expr)
	require.NoError(t, err)
	second, err := Parse(expr)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestAppend_DoesNotMutate(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	base, err := Parse(`[{"$match": {"operationType": "insert"}}]`)
	req.NoError(err)

	pin := ScopePin(namespace.New("shop", "orders"))
	combined := Append(base, pin)
	req.Len(combined, 2)
	req.Len(base, 1)

	// appending the same stage twice is the same filter applied twice
	again := Append(combined, pin)
	req.Len(again, 3)
	req.Equal(combined[1], again[2])
}

func changeEvent(opType, db, coll string) bson.D {
	ev := bson.D{{Key: "operationType", Value: opType}}
	if db != "" {
		ns := bson.D{{Key: "db", Value: db}}
		if coll != "" {
			ns = append(ns, bson.E{Key: "coll", Value: coll})
		}
		ev = append(ev, bson.E{Key: "ns", Value: ns})
	}
	return ev
}

func fieldValue(ev bson.D, path string) interface{} {
	cur := interface{}(ev)
	for _, part := range strings.Split(path, ".") {
		doc, ok := cur.(bson.D)
		if !ok {
			return nil
		}
		cur = nil
		for _, e := range doc {
			if e.Key == part {
				cur = e.Value
				break
			}
		}
	}
	return cur
}

// matchesCondition evaluates the $match shapes this package generates: literal
// equality on dotted paths, $in over operation types, and $or branches.
func matchesCondition(cond bson.D, ev bson.D) bool {
	for _, pred := range cond {
		if pred.Key == "$or" {
			hit := false
			for _, branch := range pred.Value.(bson.A) {
				if matchesCondition(branch.(bson.D), ev) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
			continue
		}
		got := fieldValue(ev, pred.Key)
		if in, ok := pred.Value.(bson.D); ok && in[0].Key == "$in" {
			hit := false
			for _, want := range in[0].Value.(bson.A) {
				if got == want {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
			continue
		}
		if got != pred.Value {
			return false
		}
	}
	return true
}

func applyFilter(p mongo.Pipeline, events []bson.D) []bson.D {
	out := make([]bson.D, 0, len(events))
	for _, ev := range events {
		keep := true
		for _, stage := range p {
			if !matchesCondition(stage[0].Value.(bson.D), ev) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, ev)
		}
	}
	return out
}

// The composed filter is idempotent: events that pass it once pass it again
// unchanged, so a resumed stream re-filtering replayed events keeps exactly
// what the first pass kept.
func TestComposedFilterIsIdempotent(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	filter := Append(nil,
		MatchOperationTypes("insert", "update", "replace"),
		ScopePin(namespace.New("shop", "orders")),
	)
	req.Len(filter, 2)

	events := []bson.D{
		changeEvent("insert", "shop", "orders"),
		changeEvent("insert", "shop", "customers"),
		changeEvent("update", "shop", "orders"),
		changeEvent("drop", "shop", "orders"),
		changeEvent("dropDatabase", "shop", ""),
		changeEvent("invalidate", "", ""),
		changeEvent("insert", "audit", "trail"),
	}

	once := applyFilter(filter, events)
	req.Equal([]bson.D{
		changeEvent("insert", "shop", "orders"),
		changeEvent("update", "shop", "orders"),
	}, once)

	twice := applyFilter(filter, once)
	req.Equal(once, twice)
}

func TestMatchOperationTypes(t *testing.T) {
	t.Parallel()
	stage := MatchOperationTypes("insert", "update", "replace")
	require.Equal(t, "$match", stage[0].Key)

	raw, err := bson.Marshal(stage)
	require.NoError(t, err)
	vals, err := bson.Raw(raw).LookupErr("$match", "operationType", "$in")
	require.NoError(t, err)
	arr, ok := vals.ArrayOK()
	require.True(t, ok)
	elems, err := arr.Values()
	require.NoError(t, err)
	require.Len(t, elems, 3)
}

func TestScopePin(t *testing.T) {
	t.Parallel()
	t.Run("deployment needs no pin", func(t *testing.T) {
		require.Nil(t, ScopePin(namespace.Deployment()))
	})

	t.Run("collection pin", func(t *testing.T) {
		stage := ScopePin(namespace.New("shop", "orders"))
		raw, err := bson.Marshal(stage)
		require.NoError(t, err)
		or, err := bson.Raw(raw).LookupErr("$match", "$or")
		require.NoError(t, err)
		arr, ok := or.ArrayOK()
		require.True(t, ok)
		elems, err := arr.Values()
		require.NoError(t, err)
		// own events, parent database drop, invalidate
		require.Len(t, elems, 3)
	})

	t.Run("database pin", func(t *testing.T) {
		stage := ScopePin(namespace.Namespace{Database: "shop"})
		raw, err := bson.Marshal(stage)
		require.NoError(t, err)
		or, err := bson.Raw(raw).LookupErr("$match", "$or")
		require.NoError(t, err)
		arr, ok := or.ArrayOK()
		require.True(t, ok)
		elems, err := arr.Values()
		require.NoError(t, err)
		require.Len(t, elems, 2)
	})
}
