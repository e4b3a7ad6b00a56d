package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/forge/runtime"
)

func openMem(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerStore_SaveLoad(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	st := runtime.NewWorkflowState("r1", "write a checkout test")
	st.Status = runtime.StatusWaitingForApproval
	st.Scenarios = []string{"a", "b"}
	require.NoError(t, s.Save(ctx, &Record{RunID: "r1", State: st, NextNode: "human_approval", Interrupted: true}))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "human_approval", got.NextNode)
	assert.True(t, got.Interrupted)
	assert.Equal(t, runtime.StatusWaitingForApproval, got.State.Status)
	assert.Equal(t, []string{"a", "b"}, got.State.Scenarios)
	assert.Equal(t, "write a checkout test", got.State.UserRequest)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestBadgerStore_LastWriterWins(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{RunID: "r1", NextNode: "analyst", State: runtime.NewWorkflowState("r1", "x")}))
	require.NoError(t, s.Save(ctx, &Record{RunID: "r1", NextNode: "reviewer", State: runtime.NewWorkflowState("r1", "x")}))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", got.NextNode)
}

func TestBadgerStore_LoadMissing(t *testing.T) {
	s := openMem(t)
	_, err := s.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBadgerStore_ListAndDelete(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.Save(ctx, &Record{RunID: id, State: runtime.NewWorkflowState(id, "x")}))
	}
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete(ctx, "a"))
	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &Record{RunID: "r1", NextNode: "human_approval", State: runtime.NewWorkflowState("r1", "x")}))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "human_approval", got.NextNode)
}

func TestBadgerStore_RejectsMissingRunID(t *testing.T) {
	s := openMem(t)
	assert.Error(t, s.Save(context.Background(), &Record{}))
}
