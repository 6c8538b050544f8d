package skyflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"skyflow-batch-tokenizer/pkg/types"
)

const (
	clearFetchLimit = 100
	clearBatchSize  = 100
)

type listResponse struct {
	Records []struct {
		Fields struct {
			SkyflowID string `json:"skyflow_id"`
		} `json:"fields"`
	} `json:"records"`
}

// Clear deletes every record of the configured table and returns how many
// were deleted. FOR TESTING ONLY.
func (c *Client) Clear(ctx context.Context, log logrus.FieldLogger) (int, error) {
	log = log.WithFields(logrus.Fields{"vault_id": c.cfg.VaultID, "table": c.cfg.Table})
	totalDeleted := 0

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		// Deleted records drop out of the listing, so always read from offset 0
		var page listResponse
		err := c.do(ctx, http.MethodGet, c.tableURL(fmt.Sprintf("offset=0&limit=%d", clearFetchLimit)), nil, &page)
		var svcErr *types.ServiceError
		if errors.As(err, &svcErr) && svcErr.StatusCode == http.StatusNotFound {
			// Table is empty
			if iteration == 1 {
				log.Info("table is already empty")
			}
			break
		}
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to fetch records: %w", err)
		}

		ids := make([]string, 0, len(page.Records))
		for _, rec := range page.Records {
			if rec.Fields.SkyflowID != "" {
				ids = append(ids, rec.Fields.SkyflowID)
			}
		}
		if len(ids) == 0 {
			break
		}

		for i := 0; i < len(ids); i += clearBatchSize {
			batch := ids[i:min(i+clearBatchSize, len(ids))]
			payload := map[string][]string{"skyflow_ids": batch}
			if err := c.do(ctx, http.MethodDelete, c.tableURL(""), payload, nil); err != nil {
				return totalDeleted, fmt.Errorf("failed to delete batch: %w", err)
			}
			totalDeleted += len(batch)
		}
		log.WithField("deleted", totalDeleted).Debug("deleted batch")
	}

	log.WithField("deleted", totalDeleted).Info("table cleared")
	return totalDeleted, nil
}
