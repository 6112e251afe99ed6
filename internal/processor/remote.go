package processor

import (
	"context"
	"errors"
	"strings"

	"github.com/telhawk-systems/tablesync/internal/locator"
	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
)

// RemoteSource reads a table out of another resource, referenced by id,
// name or share URL.
type RemoteSource struct {
	store resource.Store
	loc   *locator.Locator
}

func NewRemoteSource(store resource.Store, loc *locator.Locator) *RemoteSource {
	return &RemoteSource{store: store, loc: loc}
}

func (s *RemoteSource) Method() models.SourceMethod { return models.MethodRemoteTable }

func (s *RemoteSource) Fetch(ctx context.Context, rule *models.IngestRule) (resource.Grid, error) {
	id, err := s.resolve(ctx, rule.SourceResource)
	if err != nil {
		return nil, err
	}

	grid, err := s.store.ReadGrid(ctx, id, rule.SourceTable)
	if err != nil {
		if errors.Is(err, resource.ErrTableNotFound) {
			return nil, &models.ValidationError{Field: "source_table", Reason: "source table does not exist"}
		}
		return nil, err
	}
	if grid.Rows() == 0 {
		return nil, models.ErrNoData
	}
	return grid, nil
}

func (s *RemoteSource) resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "://") {
		return s.loc.Resolve(ref)
	}
	if ok, err := s.store.ResourceExists(ctx, ref); err == nil && ok {
		return ref, nil
	}
	if id, err := s.store.FindResourceByName(ctx, ref); err == nil {
		return id, nil
	}
	return s.loc.Resolve(ref)
}
