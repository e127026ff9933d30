// Package operation defines the uniform internal event representation every
// captured change is converted into, regardless of the shape the stream
// reported it in.
package operation

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/namespace"
)

// Type is the closed set of capturable event kinds. Switches over Type should
// enumerate every member; there is deliberately no "other" bucket.
type Type uint8

const (
	TypeInsert Type = iota + 1
	TypeUpdate
	TypeReplace
	TypeDelete
	TypeDropCollection
	TypeDropDatabase
	TypeInvalidate
)

func (t Type) String() string {
	switch t {
	case TypeInsert:
		return "insert"
	case TypeUpdate:
		return "update"
	case TypeReplace:
		return "replace"
	case TypeDelete:
		return "delete"
	case TypeDropCollection:
		return "dropCollection"
	case TypeDropDatabase:
		return "dropDatabase"
	case TypeInvalidate:
		return "invalidate"
	}
	return "unknown"
}

// IsTerminal reports whether the type marks the end of a namespace rather than
// a data mutation.
func (t Type) IsTerminal() bool {
	switch t {
	case TypeDropCollection, TypeDropDatabase, TypeInvalidate:
		return true
	}
	return false
}

// ErrFilteredOut marks a native event that has no Operation mapping (renames,
// administrative events). It is a rejection, not a failure.
var ErrFilteredOut = errors.New("native event has no operation mapping")

// Operation is one captured event: what happened, where, and at what position.
type Operation struct {
	Type      Type
	Namespace namespace.Namespace
	Position  cursor.Position

	// DocumentKey identifies the affected document, present on data operations.
	DocumentKey bson.Raw
	// FullDocument is the document payload: always set on inserts and replaces,
	// set on updates when the stream was opened with document lookup.
	FullDocument bson.Raw
	// UpdateDescription carries the update delta for update operations.
	UpdateDescription bson.Raw
	// Event is the complete native change event envelope.
	Event bson.Raw
}

// HasFullDocument reports whether a document payload travelled with the event.
func (o *Operation) HasFullDocument() bool {
	return len(o.FullDocument) > 0
}

// TerminalFor reports whether this operation ends the given watch scope:
// a collection drop ends a watch on that collection, a database drop ends a
// watch on that database or any collection inside it, and an invalidate ends
// whatever produced it.
func (o *Operation) TerminalFor(scope namespace.Namespace) bool {
	switch o.Type {
	case TypeInvalidate:
		return true
	case TypeDropCollection:
		return scope.IsCollection() && o.Namespace == scope
	case TypeDropDatabase:
		return !scope.IsDeployment() && o.Namespace.Database == scope.Database
	}
	return false
}

var nativeTypes = map[string]Type{
	"insert":       TypeInsert,
	"update":       TypeUpdate,
	"replace":      TypeReplace,
	"delete":       TypeDelete,
	"drop":         TypeDropCollection,
	"dropDatabase": TypeDropDatabase,
	"invalidate":   TypeInvalidate,
}

// FromChangeEvent converts a native change event document into an Operation.
// Events outside the closed type set return ErrFilteredOut; malformed events
// (missing position or document key) are structural errors.
func FromChangeEvent(event bson.Raw) (*Operation, error) {
	rawType, err := event.LookupErr("operationType")
	if err != nil {
		return nil, fmt.Errorf("change event has no operationType: %w", err)
	}
	name, ok := rawType.StringValueOK()
	if !ok {
		return nil, errors.New("change event operationType is not a string")
	}

	opType, ok := nativeTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFilteredOut, name)
	}

	// every event, drops included, must carry a resumable position
	tokenVal, err := event.LookupErr("_id")
	if err != nil {
		return nil, fmt.Errorf("change event has no resume token: %w", err)
	}
	token, ok := tokenVal.DocumentOK()
	if !ok {
		return nil, errors.New("change event resume token is not a document")
	}

	pos := cursor.TokenPosition(token, clusterTime(event))

	op := &Operation{
		Type:      opType,
		Position:  pos,
		Namespace: eventNamespace(event),
		Event:     event,
	}

	switch opType {
	case TypeInsert, TypeUpdate, TypeReplace, TypeDelete:
		keyVal, err := event.LookupErr("documentKey")
		if err != nil {
			return nil, fmt.Errorf("%s event has no documentKey: %w", name, err)
		}
		key, ok := keyVal.DocumentOK()
		if !ok {
			return nil, errors.New("change event documentKey is not a document")
		}
		op.DocumentKey = key

		if doc, ok := lookupDocument(event, "fullDocument"); ok {
			op.FullDocument = doc
		}
		if opType == TypeUpdate {
			if desc, ok := lookupDocument(event, "updateDescription"); ok {
				op.UpdateDescription = desc
			}
		}
	case TypeDropCollection, TypeDropDatabase, TypeInvalidate:
		// terminal markers carry no payload
	}

	return op, nil
}

// SnapshotInsert builds the Insert operation for a document that existed before
// tailing began. Snapshot operations all carry the scan's consistent start
// position; there is no per-document ordering during a snapshot.
func SnapshotInsert(ns namespace.Namespace, doc bson.Raw, pos cursor.Position) (*Operation, error) {
	idVal, err := doc.LookupErr("_id")
	if err != nil {
		return nil, fmt.Errorf("document in %s has no _id: %w", ns, err)
	}
	key, err := bson.Marshal(bson.D{{Key: "_id", Value: idVal}})
	if err != nil {
		return nil, fmt.Errorf("failed to build document key: %w", err)
	}
	return &Operation{
		Type:         TypeInsert,
		Namespace:    ns,
		Position:     pos,
		DocumentKey:  key,
		FullDocument: doc,
	}, nil
}

func clusterTime(event bson.Raw) primitive.Timestamp {
	v, err := event.LookupErr("clusterTime")
	if err != nil {
		return primitive.Timestamp{}
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return primitive.Timestamp{}
	}
	return primitive.Timestamp{T: t, I: i}
}

func eventNamespace(event bson.Raw) namespace.Namespace {
	var ns namespace.Namespace
	if v, err := event.LookupErr("ns", "db"); err == nil {
		ns.Database, _ = v.StringValueOK()
	}
	if v, err := event.LookupErr("ns", "coll"); err == nil {
		ns.Collection, _ = v.StringValueOK()
	}
	return ns
}

func lookupDocument(event bson.Raw, key string) (bson.Raw, bool) {
	v, err := event.LookupErr(key)
	if err != nil {
		return nil, false
	}
	return v.DocumentOK()
}
