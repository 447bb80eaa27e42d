package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIsOrderedCommitIfAnyEngineRequiresIt(t *testing.T) {
	r := NewRegistry()
	r.Register("unordered", NewMockEngine(false))
	assert.False(t, r.IsOrderedCommit("s1"))

	r.Register("ordered", NewMockEngine(true))
	assert.True(t, r.IsOrderedCommit("s1"))
}

func TestRegistryCommitFastCallsEveryEngine(t *testing.T) {
	r := NewRegistry()
	e1 := NewMockEngine(false)
	e2 := NewMockEngine(false)
	r.Register("e1", e1)
	r.Register("e2", e2)

	require.NoError(t, r.CommitFast(context.Background(), "sess-1"))
	assert.Equal(t, []string{"sess-1"}, e1.FastCommits())
	assert.Equal(t, []string{"sess-1"}, e2.FastCommits())
}

type failingEngine struct{ *MockEngine }

func (f failingEngine) Recover(context.Context, map[uint64]struct{}) error {
	return assertError
}

var assertError = assertErr("boom")

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestRegistryRecoverContinuesPastOneEnginesFailure(t *testing.T) {
	r := NewRegistry()
	bad := failingEngine{NewMockEngine(false)}
	good := NewMockEngine(false)
	good.Prepare(42)
	r.Register("bad", bad)
	r.Register("good", good)

	err := r.Recover(context.Background(), map[uint64]struct{}{42: {}})
	require.Error(t, err)
	assert.Equal(t, "committed", good.Resolution(42))
}

func TestMockEngineRecoverResolvesCommittedAndRolledBack(t *testing.T) {
	m := NewMockEngine(true)
	m.Prepare(1)
	m.Prepare(2)

	require.NoError(t, m.Recover(context.Background(), map[uint64]struct{}{1: {}}))
	assert.Equal(t, "committed", m.Resolution(1))
	assert.Equal(t, "rolled_back", m.Resolution(2))
	assert.Equal(t, "", m.Resolution(3))
}
