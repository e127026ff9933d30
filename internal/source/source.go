// Package source abstracts the native change/event store the capture core
// reads from: a live event stream that can be opened at a position or at
// "now", and bulk enumeration of existing documents for the snapshot phase.
package source

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/namespace"
)

// WatchOptions configure a single stream open.
type WatchOptions struct {
	// Scope is the namespace level the stream is opened at.
	Scope namespace.Namespace
	// Pipeline is applied server-side to every raw event before delivery.
	Pipeline mongo.Pipeline
	// ResumeAfter positions the stream just past the given token. Takes
	// precedence over StartAtOperationTime; both empty means "now".
	ResumeAfter bson.Raw
	// StartAtOperationTime positions the stream at a cluster timestamp, the
	// fallback when only a wall-clock position survived a restart.
	StartAtOperationTime *primitive.Timestamp
	// MaxAwait bounds how long a pull may block waiting for new events.
	MaxAwait time.Duration
	// BatchSize caps how many events the source buffers per pull.
	BatchSize int32
}

// ChangeStream is one open live stream. Implementations deliver events in the
// stream's single global order and expose the post-batch resume token so the
// cursor can advance even across stretches of filtered-out events.
type ChangeStream interface {
	// TryNext returns the next raw event, blocking at most the configured
	// max-await. ok=false with a nil error means no event was available.
	TryNext(ctx context.Context) (event bson.Raw, ok bool, err error)
	// ResumeToken returns the token of the last delivered event, or the
	// post-batch token when the last pull came up empty.
	ResumeToken() bson.Raw
	Close(ctx context.Context) error
}

// DocumentCursor enumerates existing documents during the snapshot phase, in
// no particular order.
type DocumentCursor interface {
	Next(ctx context.Context) (doc bson.Raw, ok bool, err error)
	Close(ctx context.Context) error
}

// Partition describes one hashed-id bucket of a namespace scan. The zero value
// means the whole namespace.
type Partition struct {
	Index int
	Total int
}

// Client is the native store the capture core reads from.
type Client interface {
	Watch(ctx context.Context, opts WatchOptions) (ChangeStream, error)
	// ScanExisting opens an unordered scan over the documents of one
	// namespace partition, with the configured filter applied.
	ScanExisting(ctx context.Context, ns namespace.Namespace, part Partition, filter mongo.Pipeline) (DocumentCursor, error)
	// ListNamespaces expands a scope into the concrete collection namespaces
	// it currently contains.
	ListNamespaces(ctx context.Context, scope namespace.Namespace) ([]namespace.Namespace, error)
	// CurrentPosition captures a position at or before the moment of the
	// call, used as the snapshot's consistent start position.
	CurrentPosition(ctx context.Context, scope namespace.Namespace) (cursor.Position, error)
	Close(ctx context.Context) error
}

// ErrResumeLost marks a stored position that has aged out of the source's
// retained history. Resuming silently from "now" would hide missed data, so
// callers must treat this as fatal unless explicitly configured otherwise.
var ErrResumeLost = errors.New("stored position no longer resumable")

// ErrNamespaceGone marks a namespace that disappeared between being listed and
// being read. During a snapshot this means "zero documents", not a failure.
var ErrNamespaceGone = errors.New("namespace no longer exists")

// ErrorKind buckets source failures by how the caller must react.
type ErrorKind int

const (
	// KindTransient failures heal: retry with bounded backoff.
	KindTransient ErrorKind = iota
	// KindResumeLost means history needed for resumption has been pruned.
	KindResumeLost
	// KindNamespaceGone means the read target was dropped mid-operation.
	KindNamespaceGone
	// KindFatal failures do not heal and must stop the task.
	KindFatal
)

// server error codes that matter to classification
const (
	codeNamespaceNotFound       = 26
	codeUnauthorized            = 13
	codeAuthenticationFailed    = 18
	codeCappedPositionLost      = 136
	codeChangeStreamHistoryLost = 286
)

// Classify maps an error from any Client operation onto the retry taxonomy.
// Unknown errors default to transient: the retry ceiling converts a persistent
// mystery into a terminal failure anyway, while misclassifying a network blip
// as fatal would kill tasks that could have carried on.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrResumeLost):
		return KindResumeLost
	case errors.Is(err, ErrNamespaceGone):
		return KindNamespaceGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindFatal
	}

	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		switch {
		case srvErr.HasErrorCode(codeChangeStreamHistoryLost),
			srvErr.HasErrorCode(codeCappedPositionLost),
			srvErr.HasErrorLabel("NonResumableChangeStreamError"):
			return KindResumeLost
		case srvErr.HasErrorCode(codeNamespaceNotFound):
			return KindNamespaceGone
		case srvErr.HasErrorCode(codeUnauthorized),
			srvErr.HasErrorCode(codeAuthenticationFailed):
			return KindFatal
		}
	}
	return KindTransient
}
