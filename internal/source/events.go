package source

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/riverline/mongocdc/internal/namespace"
)

// eventEpoch anchors the cluster timestamps of scripted events.
const eventEpoch uint32 = 1700000000

// Scripted change event builders for the Fake client. Every event takes a
// sequence number that becomes both its resume token and its cluster-time
// increment, so the script's order is its stream order.

func seqToken(seq uint32) string {
	return fmt.Sprintf("%012d", seq)
}

func seqTimestamp(seq uint32) primitive.Timestamp {
	return primitive.Timestamp{T: eventEpoch, I: seq}
}

func buildEvent(opType string, ns namespace.Namespace, seq uint32, extra bson.D) bson.Raw {
	doc := bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: seqToken(seq)}}},
		{Key: "operationType", Value: opType},
		{Key: "clusterTime", Value: seqTimestamp(seq)},
	}
	if !ns.IsDeployment() {
		nsDoc := bson.D{{Key: "db", Value: ns.Database}}
		if ns.IsCollection() {
			nsDoc = append(nsDoc, bson.E{Key: "coll", Value: ns.Collection})
		}
		doc = append(doc, bson.E{Key: "ns", Value: nsDoc})
	}
	doc = append(doc, extra...)

	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("scripted event: %v", err))
	}
	return raw
}

// InsertEvent scripts an insert; doc must contain _id.
func InsertEvent(ns namespace.Namespace, seq uint32, doc bson.D) bson.Raw {
	return buildEvent("insert", ns, seq, bson.D{
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: doc.Map()["_id"]}}},
		{Key: "fullDocument", Value: doc},
	})
}

// ReplaceEvent scripts a replace; doc must contain _id.
func ReplaceEvent(ns namespace.Namespace, seq uint32, doc bson.D) bson.Raw {
	return buildEvent("replace", ns, seq, bson.D{
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: doc.Map()["_id"]}}},
		{Key: "fullDocument", Value: doc},
	})
}

// UpdateEvent scripts an update with a delta and an optional looked-up
// document (nil full mimics a document deleted before the lookup ran).
func UpdateEvent(ns namespace.Namespace, seq uint32, id interface{}, updated bson.D, full bson.D) bson.Raw {
	extra := bson.D{
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: id}}},
		{Key: "updateDescription", Value: bson.D{{Key: "updatedFields", Value: updated}}},
	}
	if full != nil {
		extra = append(extra, bson.E{Key: "fullDocument", Value: full})
	}
	return buildEvent("update", ns, seq, extra)
}

// DeleteEvent scripts a delete.
func DeleteEvent(ns namespace.Namespace, seq uint32, id interface{}) bson.Raw {
	return buildEvent("delete", ns, seq, bson.D{
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: id}}},
	})
}

// DropEvent scripts a collection drop.
func DropEvent(ns namespace.Namespace, seq uint32) bson.Raw {
	return buildEvent("drop", ns, seq, nil)
}

// DropDatabaseEvent scripts a database drop.
func DropDatabaseEvent(db string, seq uint32) bson.Raw {
	return buildEvent("dropDatabase", namespace.Namespace{Database: db}, seq, nil)
}

// InvalidateEvent scripts a stream invalidation.
func InvalidateEvent(seq uint32) bson.Raw {
	return buildEvent("invalidate", namespace.Deployment(), seq, nil)
}

// SeqPosition is the cursor position an event built with seq carries.
func SeqPosition(seq uint32) bson.Raw {
	raw, err := bson.Marshal(bson.D{{Key: "_data", Value: seqToken(seq)}})
	if err != nil {
		panic(fmt.Sprintf("scripted token: %v", err))
	}
	return raw
}
