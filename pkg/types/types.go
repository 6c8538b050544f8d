package types

import "context"

// SkyflowIDColumn is the output column carrying the vault-issued record id
const SkyflowIDColumn = "skyflow_id"

// Record is one input row. Index is its position in the source and is never
// changed after ingestion.
type Record struct {
	Index       int64
	Fields      map[string]string // sent to the vault
	Passthrough map[string]string // copied to the output unchanged
}

// Chunk is a batch of records submitted in a single vault call
type Chunk struct {
	Seq     int
	Records []Record
}

// Len returns the number of records in the chunk
func (c Chunk) Len() int {
	return len(c.Records)
}

// FieldKind tells whether an output value is a token or the original value
type FieldKind int

const (
	// Tokenized values were replaced by a vault token
	Tokenized FieldKind = iota
	// Untouched values came back without a token (tokenization disabled for
	// the column) and keep the original value
	Untouched
)

func (k FieldKind) String() string {
	switch k {
	case Tokenized:
		return "tokenized"
	case Untouched:
		return "untouched"
	default:
		return "unknown"
	}
}

// FieldValue is a single field of a tokenized record
type FieldValue struct {
	Value string
	Kind  FieldKind
}

// TokenResult is the successful outcome for one record
type TokenResult struct {
	Index     int64
	SkyflowID string
	Fields    map[string]FieldValue
}

// FailureRecord is a record that could not be tokenized
type FailureRecord struct {
	Record   Record
	Err      error
	Attempts int
}

// OutputRecord is a reconciled row ready for the sink
type OutputRecord struct {
	Index     int64
	SkyflowID string
	Values    map[string]string
}

// VaultRecord is one entry of the vault insert response. RequestIndex is set
// when the service reports the position of the record in the request.
type VaultRecord struct {
	RequestIndex *int
	SkyflowID    string
	Tokens       map[string]string
	Error        string
}

// RecordReader yields records in source order and returns io.EOF at the end
type RecordReader interface {
	Read(ctx context.Context) (Record, error)
}

// RecordSource is a readable, closable source with a known header
type RecordSource interface {
	RecordReader
	Columns() []string
	Close() error
}

// Counter is implemented by sources that can report their size up front
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// RecordSink consumes reconciled output records in order
type RecordSink interface {
	Write(ctx context.Context, rec OutputRecord) error
	Close() error
}

// FailureSink consumes records that could not be tokenized
type FailureSink interface {
	WriteFailure(ctx context.Context, rec FailureRecord) error
	Close() error
}

// Tokenizer inserts a chunk into the vault and returns one entry per record
type Tokenizer interface {
	Tokenize(ctx context.Context, chunk Chunk) ([]VaultRecord, error)
}
