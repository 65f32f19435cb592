package transfers

import (
	"context"

	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// History returns a page of the account's transfer records, newest first,
// together with the total count for pagination.
func (s *Service) History(ctx context.Context, ownerID int64, limit, offset int) ([]models.TransferRecord, int64, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	total, err := s.records.CountBySender(ctx, ownerID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, nil
	}

	page, err := s.records.ListBySender(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}
