// Package pipeline parses and composes the aggregation filter applied to raw
// change events before they are converted into operations. The filter is pure:
// parsing the same expression always yields the same stage list, and composed
// stages never mutate their inputs.
package pipeline

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverline/mongocdc/internal/namespace"
)

// Parse turns a configured extended-JSON array of stages into a driver
// pipeline. The array is wrapped in a document first because the BSON codec
// only unmarshals documents at the top level. An empty expression is a valid
// empty pipeline.
func Parse(expr string) (mongo.Pipeline, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if !strings.HasPrefix(expr, "[") {
		return nil, fmt.Errorf("pipeline must be a JSON array of stages, got %q", truncate(expr))
	}

	var holder struct {
		Pipeline []bson.D `bson:"pipeline"`
	}
	wrapped := `{"pipeline": ` + expr + `}`
	if err := bson.UnmarshalExtJSON([]byte(wrapped), false, &holder); err != nil {
		return nil, fmt.Errorf("invalid pipeline expression: %w", err)
	}

	for i, stage := range holder.Pipeline {
		if len(stage) != 1 || !strings.HasPrefix(stage[0].Key, "$") {
			return nil, fmt.Errorf("pipeline stage %d is not a single aggregation operator", i)
		}
	}
	return holder.Pipeline, nil
}

// Append returns a new pipeline with extra stages after the user's stages. The
// original slice is left untouched.
func Append(p mongo.Pipeline, stages ...bson.D) mongo.Pipeline {
	out := make(mongo.Pipeline, 0, len(p)+len(stages))
	out = append(out, p...)
	out = append(out, stages...)
	return out
}

// MatchOperationTypes builds a stage passing only the named native event types.
func MatchOperationTypes(types ...string) bson.D {
	vals := make(bson.A, 0, len(types))
	for _, t := range types {
		vals = append(vals, t)
	}
	return bson.D{{Key: "$match", Value: bson.D{
		{Key: "operationType", Value: bson.D{{Key: "$in", Value: vals}}},
	}}}
}

// ScopePin builds a stage that, on a stream opened broader than the originally
// watched scope, passes only events that still concern that scope: its own data
// and drop events, the drop of its parent database, and stream invalidations.
// Pinning a deployment scope is the empty filter.
func ScopePin(watched namespace.Namespace) bson.D {
	if watched.IsDeployment() {
		return nil
	}

	var or bson.A
	if watched.IsCollection() {
		or = append(or,
			bson.D{{Key: "ns.db", Value: watched.Database}, {Key: "ns.coll", Value: watched.Collection}},
			bson.D{{Key: "ns.db", Value: watched.Database}, {Key: "operationType", Value: "dropDatabase"}},
		)
	} else {
		or = append(or, bson.D{{Key: "ns.db", Value: watched.Database}})
	}
	or = append(or, bson.D{{Key: "operationType", Value: "invalidate"}})

	return bson.D{{Key: "$match", Value: bson.D{{Key: "$or", Value: or}}}}
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
