package persistence

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/flowtx/pkg/api"
)

// RunStoreSuite checks the RunStore contract. Backends provide the store
// and a reset hook that clears previous state.
type RunStoreSuite struct {
	suite.Suite
	newStore func() RunStore
	reset    func()

	store RunStore
	ctx   context.Context
}

func (s *RunStoreSuite) SetupTest() {
	if s.reset != nil {
		s.reset()
	}
	s.store = s.newStore()
	s.ctx = context.Background()
}

var suiteBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord(id, workflow string, status api.Status, offset time.Duration) *api.RunRecord {
	rec := &api.RunRecord{
		ID:       id,
		Workflow: workflow,
		Status:   status,
		Actor:    "alice",
		Params:   api.Params{"order_id": 42, "coupon": "SPRING"},
		Results: map[string]any{
			"create_order": map[string]any{"id": int64(7), "total": 120.5},
			"notify":       nil,
		},
		StepsExecuted: []string{"create_order", "notify"},
		BranchesTaken: []string{"branch_1:on_1"},
		StartedAt:     suiteBase.Add(offset),
		Duration:      1500 * time.Microsecond,
	}
	if status == api.StatusFailed {
		rec.FailingStep = "charge"
		rec.ErrorClass = api.ClassStep
		rec.Error = `workflow "checkout" failed at charge: declined`
	}
	return rec
}

func (s *RunStoreSuite) TestSaveAndGet() {
	want := sampleRecord("run-1", "checkout", api.StatusFailed, 0)
	s.Require().NoError(s.store.SaveRun(s.ctx, want))

	got, err := s.store.GetRun(s.ctx, "run-1")
	s.Require().NoError(err)

	s.Equal(want.ID, got.ID)
	s.Equal(want.Workflow, got.Workflow)
	s.Equal(want.Status, got.Status)
	s.Equal("alice", got.Actor)
	s.Equal(want.Params, got.Params)
	s.Equal(want.Results, got.Results)
	s.Equal(want.StepsExecuted, got.StepsExecuted)
	s.Equal(want.BranchesTaken, got.BranchesTaken)
	s.Equal("charge", got.FailingStep)
	s.Equal(api.ClassStep, got.ErrorClass)
	s.Equal(want.Error, got.Error)
	s.True(want.StartedAt.Equal(got.StartedAt), "started_at %v != %v", got.StartedAt, want.StartedAt)
	s.Equal(want.Duration, got.Duration)
}

func (s *RunStoreSuite) TestGetMissing() {
	_, err := s.store.GetRun(s.ctx, "does-not-exist")
	s.ErrorIs(err, ErrRunNotFound)
	s.ErrorIs(err, api.ErrRunNotFound)
}

func (s *RunStoreSuite) TestSaveReplaces() {
	rec := sampleRecord("run-1", "checkout", api.StatusRunning, 0)
	s.Require().NoError(s.store.SaveRun(s.ctx, rec))

	rec = sampleRecord("run-1", "checkout", api.StatusCompleted, 0)
	s.Require().NoError(s.store.SaveRun(s.ctx, rec))

	got, err := s.store.GetRun(s.ctx, "run-1")
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, got.Status)

	all, err := s.store.ListRuns(s.ctx, RunFilter{})
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *RunStoreSuite) TestListFiltersAndOrders() {
	s.Require().NoError(s.store.SaveRun(s.ctx, sampleRecord("c", "checkout", api.StatusCompleted, 2*time.Second)))
	s.Require().NoError(s.store.SaveRun(s.ctx, sampleRecord("a", "checkout", api.StatusFailed, 0)))
	s.Require().NoError(s.store.SaveRun(s.ctx, sampleRecord("b", "refund", api.StatusCompleted, time.Second)))

	ids := func(recs []*api.RunRecord) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := s.store.ListRuns(s.ctx, RunFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c"}, ids(all))

	byWorkflow, err := s.store.ListRuns(s.ctx, RunFilter{Workflow: "checkout"})
	s.Require().NoError(err)
	s.Equal([]string{"a", "c"}, ids(byWorkflow))

	byStatus, err := s.store.ListRuns(s.ctx, RunFilter{Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Equal([]string{"b", "c"}, ids(byStatus))

	both, err := s.store.ListRuns(s.ctx, RunFilter{Workflow: "refund", Status: api.StatusFailed})
	s.Require().NoError(err)
	s.Empty(both)
}
