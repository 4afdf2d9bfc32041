package persistence

import (
	"context"
	"sort"

	"github.com/petrijr/flowtx/pkg/api"
)

// ErrRunNotFound is returned when a run record is not found.
var ErrRunNotFound = api.ErrRunNotFound

// RunFilter is used to select runs from the store.
// Empty string / zero status mean "no filter" for that field.
type RunFilter struct {
	Workflow string
	Status   api.Status
}

func (f RunFilter) matches(rec *api.RunRecord) bool {
	if f.Workflow != "" && rec.Workflow != f.Workflow {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// RunStore keeps the history of finished runs.
type RunStore interface {
	// SaveRun inserts or replaces the record with rec.ID.
	SaveRun(ctx context.Context, rec *api.RunRecord) error
	GetRun(ctx context.Context, id string) (*api.RunRecord, error)
	// ListRuns returns matching runs ordered by start time.
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error)
}

func sortRuns(recs []*api.RunRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
}
