package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMemberships struct {
	allowed map[[2]int64]bool
	err     error
}

func (s *stubMemberships) HasMembership(_ context.Context, userID, tenantID int64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.allowed[[2]int64{userID, tenantID}], nil
}

func TestActiveRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := Active(ctx)
	assert.False(t, ok)
	_, err := Require(ctx)
	assert.ErrorIs(t, err, ErrNoActiveTenant)

	ctx = WithActive(ctx, 42)
	id, ok := Active(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	id, err = Require(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestSwitch(t *testing.T) {
	m := NewManager(&stubMemberships{allowed: map[[2]int64]bool{
		{7, 2}: true,
	}})

	ctx := WithActive(context.Background(), 1)

	switched, err := m.Switch(ctx, 7, 2)
	require.NoError(t, err)
	id, ok := Active(switched)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	// The original context keeps its tenant: anything captured before
	// the switch continues against the old tenant.
	id, ok = Active(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestSwitchRejectsNonMembers(t *testing.T) {
	m := NewManager(&stubMemberships{allowed: map[[2]int64]bool{}})

	ctx := WithActive(context.Background(), 1)
	switched, err := m.Switch(ctx, 7, 2)
	assert.ErrorIs(t, err, ErrNoMembership)

	// On failure the active tenant is unchanged.
	id, ok := Active(switched)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestSwitchPropagatesLookupErrors(t *testing.T) {
	lookupErr := errors.New("store down")
	m := NewManager(&stubMemberships{err: lookupErr})

	_, err := m.Switch(context.Background(), 7, 2)
	assert.ErrorIs(t, err, lookupErr)
}
