// Package columns splits input rows into the fields sent to the vault and the
// fields copied straight to the output.
package columns

import (
	"context"
	"strings"

	"skyflow-batch-tokenizer/pkg/types"
)

// Class is the handling of a single column
type Class int

const (
	Tokenize Class = iota
	Passthrough
	Drop
)

func (c Class) String() string {
	switch c {
	case Tokenize:
		return "tokenize"
	case Passthrough:
		return "passthrough"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Spec is the column classification for a run. It is immutable once built.
type Spec struct {
	skip      map[string]struct{}
	writeAsIs bool
}

// NewSpec builds a Spec from the configured skip list. Names are trimmed and
// compared case-insensitively; empty entries are ignored.
func NewSpec(skip []string, writeAsIs bool) Spec {
	set := make(map[string]struct{}, len(skip))
	for _, name := range skip {
		name = Normalize(name)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return Spec{skip: set, writeAsIs: writeAsIs}
}

// Normalize returns the canonical form of a column name
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Classify returns how the named column is handled
func (s Spec) Classify(name string) Class {
	if _, ok := s.skip[Normalize(name)]; !ok {
		return Tokenize
	}
	if s.writeAsIs {
		return Passthrough
	}
	return Drop
}

// Skipped returns the number of configured skip columns
func (s Spec) Skipped() int {
	return len(s.skip)
}

// Filter splits a row. Skipped fields never reach the tokenizable map; they
// are copied to passthrough when write-as-is is enabled and dropped otherwise.
func (s Spec) Filter(fields map[string]string) (tokenizable, passthrough map[string]string) {
	tokenizable = make(map[string]string, len(fields))
	passthrough = make(map[string]string)
	for name, value := range fields {
		switch s.Classify(name) {
		case Tokenize:
			tokenizable[name] = value
		case Passthrough:
			passthrough[name] = value
		}
	}
	return tokenizable, passthrough
}

// Apply filters a record in place of its Fields, keeping the origin index
func (s Spec) Apply(rec types.Record) types.Record {
	tokenizable, passthrough := s.Filter(rec.Fields)
	for name, value := range rec.Passthrough {
		passthrough[name] = value
	}
	return types.Record{Index: rec.Index, Fields: tokenizable, Passthrough: passthrough}
}

// OutputColumns returns the output header for a source header: skyflow_id
// first, then every source column that is not dropped, in source order.
func (s Spec) OutputColumns(header []string) []string {
	out := make([]string, 0, len(header)+1)
	out = append(out, types.SkyflowIDColumn)
	for _, name := range header {
		if Normalize(name) == types.SkyflowIDColumn {
			continue
		}
		if s.Classify(name) == Drop {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Reader applies a Spec to every record read from an underlying reader
type Reader struct {
	src  types.RecordReader
	spec Spec
}

// NewReader wraps src so that each record comes out filtered
func NewReader(src types.RecordReader, spec Spec) *Reader {
	return &Reader{src: src, spec: spec}
}

// Read returns the next filtered record
func (r *Reader) Read(ctx context.Context) (types.Record, error) {
	rec, err := r.src.Read(ctx)
	if err != nil {
		return types.Record{}, err
	}
	return r.spec.Apply(rec), nil
}
