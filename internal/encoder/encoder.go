// Package encoder renders operations into the configured output encodings.
// Encoding is pure: the same operation and configuration always produce the
// same bytes, and a record that does not satisfy the configured schema fails
// loudly rather than being truncated to fit.
package encoder

import (
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/riverline/mongocdc/internal/operation"
)

// Format selects one output encoding.
type Format string

const (
	// FormatJSON is canonical extended JSON: lossless, type-annotated.
	FormatJSON Format = "json"
	// FormatSimplifiedJSON is relaxed extended JSON: plain numbers and dates.
	FormatSimplifiedJSON Format = "simplified-json"
	// FormatBSON passes the raw document bytes through untouched.
	FormatBSON Format = "bson"
	// FormatSchema renders relaxed JSON and validates it against a
	// caller-supplied JSON Schema.
	FormatSchema Format = "schema"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatSimplifiedJSON, FormatBSON, FormatSchema:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// ErrSchemaViolation wraps a record that failed schema validation. These are
// structural errors: the batch fails, nothing is silently dropped.
var ErrSchemaViolation = errors.New("record violates configured schema")

type Config struct {
	KeyFormat   Format
	ValueFormat Format
	// KeySchema / ValueSchema are JSON Schema documents, required when the
	// corresponding format is FormatSchema.
	KeySchema   []byte
	ValueSchema []byte
	// FullDocumentOnly strips the change event envelope and emits only the
	// document payload as the value.
	FullDocumentOnly bool
}

func (c *Config) validate() error {
	var errGrp []error
	for _, f := range []Format{c.KeyFormat, c.ValueFormat} {
		if _, err := ParseFormat(string(f)); err != nil {
			errGrp = append(errGrp, err)
		}
	}
	if c.KeyFormat == FormatSchema && len(c.KeySchema) == 0 {
		errGrp = append(errGrp, errors.New("key format is schema but no key schema given"))
	}
	if c.ValueFormat == FormatSchema && len(c.ValueSchema) == 0 {
		errGrp = append(errGrp, errors.New("value format is schema but no value schema given"))
	}
	return errors.Join(errGrp...)
}

// Encoder renders operation keys and values independently.
type Encoder struct {
	keyFormat   Format
	valueFormat Format
	keySchema   *gojsonschema.Schema
	valueSchema *gojsonschema.Schema
	fullDocOnly bool
}

func New(cfg *Config) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Encoder{
		keyFormat:   cfg.KeyFormat,
		valueFormat: cfg.ValueFormat,
		fullDocOnly: cfg.FullDocumentOnly,
	}

	var err error
	if cfg.KeyFormat == FormatSchema {
		e.keySchema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(cfg.KeySchema))
		if err != nil {
			return nil, fmt.Errorf("invalid key schema: %w", err)
		}
	}
	if cfg.ValueFormat == FormatSchema {
		e.valueSchema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(cfg.ValueSchema))
		if err != nil {
			return nil, fmt.Errorf("invalid value schema: %w", err)
		}
	}
	return e, nil
}

// Encode renders the key and value for one operation.
func (e *Encoder) Encode(op *operation.Operation) (key []byte, value []byte, err error) {
	key, err = e.render(e.keyFormat, e.keySchema, keyDocument(op))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode key of %s on %s: %w", op.Type, op.Namespace, err)
	}

	valueDoc := op.Event
	if e.fullDocOnly {
		if !op.HasFullDocument() {
			// the watcher filters these out upstream; reaching here is a wiring defect
			return nil, nil, fmt.Errorf("%s operation has no document payload to publish", op.Type)
		}
		valueDoc = op.FullDocument
	}
	if len(valueDoc) == 0 {
		// snapshot operations have no native envelope; build one
		valueDoc, err = syntheticEnvelope(op)
		if err != nil {
			return nil, nil, err
		}
	}

	value, err = e.render(e.valueFormat, e.valueSchema, valueDoc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode value of %s on %s: %w", op.Type, op.Namespace, err)
	}
	return key, value, nil
}

func (e *Encoder) render(f Format, schema *gojsonschema.Schema, doc bson.Raw) ([]byte, error) {
	switch f {
	case FormatJSON:
		return bson.MarshalExtJSON(doc, true, false)
	case FormatSimplifiedJSON:
		return bson.MarshalExtJSON(doc, false, false)
	case FormatBSON:
		out := make([]byte, len(doc))
		copy(out, doc)
		return out, nil
	case FormatSchema:
		data, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return nil, err
		}
		result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}
		if !result.Valid() {
			return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, result.Errors())
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown output format %q", f)
}

// keyDocument is the idempotent-friendly record key: the document key when the
// operation has one, otherwise the namespace the terminal event concerns.
func keyDocument(op *operation.Operation) bson.Raw {
	if len(op.DocumentKey) > 0 {
		return op.DocumentKey
	}
	doc, err := bson.Marshal(bson.D{
		{Key: "db", Value: op.Namespace.Database},
		{Key: "coll", Value: op.Namespace.Collection},
	})
	if err != nil {
		// marshalling two strings cannot fail
		panic(err)
	}
	return doc
}

// syntheticEnvelope renders a snapshot insert the same shape as a native
// insert event, so consumers see one uniform record structure.
func syntheticEnvelope(op *operation.Operation) (bson.Raw, error) {
	doc := bson.D{
		{Key: "operationType", Value: op.Type.String()},
		{Key: "ns", Value: bson.D{
			{Key: "db", Value: op.Namespace.Database},
			{Key: "coll", Value: op.Namespace.Collection},
		}},
	}
	if len(op.DocumentKey) > 0 {
		doc = append(doc, bson.E{Key: "documentKey", Value: op.DocumentKey})
	}
	if len(op.FullDocument) > 0 {
		doc = append(doc, bson.E{Key: "fullDocument", Value: op.FullDocument})
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build record envelope: %w", err)
	}
	return raw, nil
}
