package processor

import (
	"context"
	"errors"

	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
)

// PushSource reads data that an upstream producer already dropped into a
// table of the ambient resource.
type PushSource struct {
	store resource.Store
}

func NewPushSource(store resource.Store) *PushSource {
	return &PushSource{store: store}
}

func (s *PushSource) Method() models.SourceMethod { return models.MethodPush }

func (s *PushSource) Fetch(ctx context.Context, rule *models.IngestRule) (resource.Grid, error) {
	grid, err := s.store.ReadGrid(ctx, s.store.DefaultResource(), rule.SourceTable)
	if err != nil {
		if errors.Is(err, resource.ErrTableNotFound) {
			return nil, models.ErrNoData
		}
		return nil, err
	}
	if grid.Rows() == 0 {
		return nil, models.ErrNoData
	}
	return grid, nil
}
