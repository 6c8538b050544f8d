package dispatch

import (
	"fmt"

	"skyflow-batch-tokenizer/pkg/types"
)

// correlate pairs the vault response with the request rows. When the vault
// echoes request_index it is used; otherwise rows are matched by position
// after a count check. Any ambiguity fails the whole chunk.
func correlate(chunk types.Chunk, recs []types.VaultRecord, attempt int) ([]types.TokenResult, []types.FailureRecord, error) {
	n := chunk.Len()
	if len(recs) != n {
		return nil, nil, fmt.Errorf("%w: %d records returned for %d sent", ErrResponseMismatch, len(recs), n)
	}

	ordered, err := orderByRequestIndex(recs)
	if err != nil {
		return nil, nil, err
	}

	results := make([]types.TokenResult, 0, n)
	var rejected []types.FailureRecord
	for i, rec := range chunk.Records {
		vr := ordered[i]
		if vr.Error != "" {
			rejected = append(rejected, types.FailureRecord{
				Record:   rec,
				Err:      fmt.Errorf("%w: %w", types.ErrPermanentChunk, &types.ServiceError{Message: vr.Error}),
				Attempts: attempt,
			})
			continue
		}
		if vr.SkyflowID == "" {
			rejected = append(rejected, types.FailureRecord{
				Record:   rec,
				Err:      fmt.Errorf("%w: %w", types.ErrPermanentChunk, &types.ServiceError{Message: "no skyflow_id returned"}),
				Attempts: attempt,
			})
			continue
		}
		results = append(results, types.TokenResult{
			Index:     rec.Index,
			SkyflowID: vr.SkyflowID,
			Fields:    mapFields(rec.Fields, vr.Tokens),
		})
	}
	return results, rejected, nil
}

// orderByRequestIndex returns recs in request order. Either every entry
// carries a request index or none does.
func orderByRequestIndex(recs []types.VaultRecord) ([]types.VaultRecord, error) {
	indexed := 0
	for _, vr := range recs {
		if vr.RequestIndex != nil {
			indexed++
		}
	}
	if indexed == 0 {
		return recs, nil
	}
	if indexed != len(recs) {
		return nil, fmt.Errorf("%w: request_index present on %d of %d records", ErrResponseMismatch, indexed, len(recs))
	}

	ordered := make([]types.VaultRecord, len(recs))
	seen := make([]bool, len(recs))
	for _, vr := range recs {
		idx := *vr.RequestIndex
		if idx < 0 || idx >= len(recs) {
			return nil, fmt.Errorf("%w: request_index %d out of range", ErrResponseMismatch, idx)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: duplicate request_index %d", ErrResponseMismatch, idx)
		}
		seen[idx] = true
		ordered[idx] = vr
	}
	return ordered, nil
}

// mapFields marks each sent field as tokenized when the vault returned a
// token for it and keeps the original value otherwise.
func mapFields(fields, tokens map[string]string) map[string]types.FieldValue {
	out := make(map[string]types.FieldValue, len(fields))
	for name, value := range fields {
		if tok, ok := tokens[name]; ok && tok != "" {
			out[name] = types.FieldValue{Value: tok, Kind: types.Tokenized}
			continue
		}
		out[name] = types.FieldValue{Value: value, Kind: types.Untouched}
	}
	return out
}
