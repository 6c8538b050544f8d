// Package lambdaapi serves tokenization requests from API Gateway. Each
// request is one engine run over the records in its body.
package lambdaapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"skyflow-batch-tokenizer/internal/datasink"
	"skyflow-batch-tokenizer/internal/datasource"
	"skyflow-batch-tokenizer/internal/dispatch"
	"skyflow-batch-tokenizer/internal/engine"
	"skyflow-batch-tokenizer/pkg/types"
)

// DefaultMaxRecords bounds the records accepted in one request
const DefaultMaxRecords = 10000

// Request is the API Gateway request body
type Request struct {
	Records              []map[string]string `json:"records"`
	SkipColumns          []string            `json:"skip_columns"`
	WriteSkipColumnsAsIs *bool               `json:"write_skip_columns_as_is"`
}

// Response is the body of a successful request. Records are in request
// order; each carries its skyflow_id alongside the output columns.
type Response struct {
	RunID     string              `json:"run_id"`
	Records   []map[string]string `json:"records"`
	Failures  []Failure           `json:"failures"`
	Succeeded int64               `json:"succeeded"`
	Failed    int64               `json:"failed"`
}

// Failure is a record that could not be tokenized
type Failure struct {
	Index    int64             `json:"index"`
	Fields   map[string]string `json:"fields"`
	Error    string            `json:"error"`
	Attempts int               `json:"attempts"`
}

// Handler runs the engine for each request. The rate gate is shared by every
// request served by the same container.
type Handler struct {
	cfg        engine.Config
	tokenizer  types.Tokenizer
	gate       dispatch.Gate
	log        logrus.FieldLogger
	MaxRecords int
}

// New creates a handler. cfg supplies the defaults for skip columns.
func New(cfg engine.Config, tokenizer types.Tokenizer, gate dispatch.Gate, log logrus.FieldLogger) *Handler {
	return &Handler{cfg: cfg, tokenizer: tokenizer, gate: gate, log: log, MaxRecords: DefaultMaxRecords}
}

// Handle processes incoming API Gateway requests
func (h *Handler) Handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req Request
	if err := json.Unmarshal([]byte(request.Body), &req); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	if len(req.Records) == 0 {
		return errorResponse(http.StatusBadRequest, "records must not be empty")
	}
	if h.MaxRecords > 0 && len(req.Records) > h.MaxRecords {
		return errorResponse(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d records per request, got %d", h.MaxRecords, len(req.Records)))
	}

	cfg := h.cfg
	if req.SkipColumns != nil {
		cfg.SkipColumns = req.SkipColumns
	}
	if req.WriteSkipColumnsAsIs != nil {
		cfg.WriteSkipAsIs = *req.WriteSkipColumnsAsIs
	}
	eng, err := engine.New(cfg, h.tokenizer, h.log, engine.WithGate(h.gate))
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error())
	}

	h.log.WithFields(logrus.Fields{
		"path":    request.Path,
		"records": len(req.Records),
	}).Info("processing request")

	sink := datasink.NewMemory()
	summary, err := eng.Run(ctx, datasource.NewMemory(nil, req.Records), sink, sink)
	if err != nil {
		h.log.WithError(err).Error("run failed")
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrConfig) {
			status = http.StatusBadRequest
		}
		return errorResponse(status, fmt.Sprintf("Operation failed: %v", err))
	}

	resp := Response{
		RunID:     summary.RunID,
		Records:   make([]map[string]string, 0, len(sink.Records)),
		Failures:  make([]Failure, 0, len(sink.Failures)),
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
	}
	for _, rec := range sink.Records {
		row := make(map[string]string, len(rec.Values)+1)
		for k, v := range rec.Values {
			row[k] = v
		}
		row[types.SkyflowIDColumn] = rec.SkyflowID
		resp.Records = append(resp.Records, row)
	}
	for _, f := range sink.Failures {
		fields := make(map[string]string, len(f.Record.Fields)+len(f.Record.Passthrough))
		for k, v := range f.Record.Passthrough {
			fields[k] = v
		}
		for k, v := range f.Record.Fields {
			fields[k] = v
		}
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		resp.Failures = append(resp.Failures, Failure{Index: f.Record.Index, Fields: fields, Error: msg, Attempts: f.Attempts})
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, fmt.Sprintf("Failed to marshal response: %v", err))
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}

// errorResponse creates an error response
func errorResponse(statusCode int, message string) (events.APIGatewayProxyResponse, error) {
	body, _ := json.Marshal(map[string]string{"error": message})
	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}
