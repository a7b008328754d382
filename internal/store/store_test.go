package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neilcollins/piconga/internal/store"
)

func openTestRegistry(t *testing.T) store.Registry {
	t.Helper()
	reg, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	return reg
}

func seedMember(t *testing.T, reg store.Registry, memberID, congaID int64) {
	t.Helper()
	seeder, ok := reg.(interface {
		Seed(memberID, congaID int64) error
	})
	require.True(t, ok, "registry does not support seeding")
	require.NoError(t, seeder.Seed(memberID, congaID))
}

func TestLookupConga_Found(t *testing.T) {
	reg := openTestRegistry(t)
	seedMember(t, reg, 1, 42)

	congaID, err := reg.LookupConga(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(42), congaID)
}

func TestLookupConga_NotFound(t *testing.T) {
	reg := openTestRegistry(t)

	_, err := reg.LookupConga(context.Background(), 99)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMembership(t *testing.T) {
	reg := openTestRegistry(t)
	seedMember(t, reg, 7, 1)

	require.NoError(t, reg.DeleteMembership(context.Background(), 7))

	_, err := reg.LookupConga(context.Background(), 7)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMembership_NoRowsIsNotAnError(t *testing.T) {
	reg := openTestRegistry(t)
	require.NoError(t, reg.DeleteMembership(context.Background(), 404))
}
