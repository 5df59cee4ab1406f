package memory

import (
	"context"
	"testing"

	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.Store = (*Store)(nil)

func TestTokens(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertNewToken(ctx, storage.TokenRecord{Time: 1, Name: "Doge", Mint: "m1", Creator: "c1"}))
	require.NoError(t, s.InsertNewToken(ctx, storage.TokenRecord{Time: 2, Name: "Cat", Mint: "m2", Creator: "c2"}))
	assert.Error(t, s.InsertNewToken(ctx, storage.TokenRecord{Mint: "m1"}))

	found, err := s.FindTokensByNameOrCreator(ctx, "Doge", "nobody")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].Mint)

	found, err = s.FindTokensByNameOrCreator(ctx, "other", "c2")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Cat", found[0].Name)

	rec, err := s.FindTokenByMint(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "c2", rec.Creator)

	_, err = s.FindTokenByMint(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHoldings(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertHolding(ctx, storage.HoldingRecord{Token: "m1", Balance: decimal.NewFromInt(1000)}))
	require.NoError(t, s.InsertHolding(ctx, storage.HoldingRecord{Token: "m2", Balance: decimal.NewFromInt(5)}))

	all, err := s.GetAllHoldings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "m1", all[0].Token)

	h, err := s.GetHolding(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "5", h.Balance.String())

	require.NoError(t, s.RemoveHolding(ctx, "m1"))
	_, err = s.GetHolding(ctx, "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
