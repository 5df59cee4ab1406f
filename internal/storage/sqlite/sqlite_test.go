package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "swap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokens(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNewToken(ctx, storage.TokenRecord{Time: 1, Name: "Doge", Mint: "m1", Creator: "c1"}))
	require.NoError(t, s.InsertNewToken(ctx, storage.TokenRecord{Time: 2, Name: "Cat", Mint: "m2", Creator: "c2"}))
	assert.Error(t, s.InsertNewToken(ctx, storage.TokenRecord{Name: "Dup", Mint: "m1", Creator: "c3"}), "mint is unique")

	found, err := s.FindTokensByNameOrCreator(ctx, "Doge", "c2")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "m1", found[0].Mint)
	assert.Equal(t, "m2", found[1].Mint)

	rec, err := s.FindTokenByMint(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "Cat", rec.Name)
	assert.EqualValues(t, 2, rec.Time)

	_, err = s.FindTokenByMint(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHoldingsRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	in := storage.HoldingRecord{
		Time:             1_700_000_000,
		Token:            "m1",
		TokenName:        "Doge",
		Balance:          decimal.RequireFromString("1234.5678"),
		SolPaid:          decimal.RequireFromString("0.01"),
		SolFeePaid:       decimal.NewFromInt(5000),
		SolPaidUSDC:      decimal.RequireFromString("2"),
		SolFeePaidUSDC:   decimal.RequireFromString("0.001"),
		PerTokenPaidUSDC: decimal.RequireFromString("0.0016"),
		Slot:             250_000_000,
		Program:          "RAYDIUM",
	}
	require.NoError(t, s.InsertHolding(ctx, in))

	got, err := s.GetHolding(ctx, "m1")
	require.NoError(t, err)
	assert.NotZero(t, got.ID)
	assert.True(t, in.Balance.Equal(got.Balance))
	assert.True(t, in.PerTokenPaidUSDC.Equal(got.PerTokenPaidUSDC))
	assert.Equal(t, in.Slot, got.Slot)
	assert.Equal(t, "RAYDIUM", got.Program)
}

func TestHoldingsReplaceAndRemove(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.InsertHolding(ctx, storage.HoldingRecord{Token: "m1", Balance: decimal.NewFromInt(1)}))
	require.NoError(t, s.InsertHolding(ctx, storage.HoldingRecord{Token: "m2", Balance: decimal.NewFromInt(2)}))
	require.NoError(t, s.InsertHolding(ctx, storage.HoldingRecord{Token: "m1", Balance: decimal.NewFromInt(3)}))

	all, err := s.GetAllHoldings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "second insert of m1 replaces the first")
	assert.Equal(t, "m2", all[0].Token)
	assert.Equal(t, "3", all[1].Balance.String())

	require.NoError(t, s.RemoveHolding(ctx, "m1"))
	_, err = s.GetHolding(ctx, "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, s.RemoveHolding(ctx, "m1"), "removing twice is harmless")
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InsertNewToken(ctx, storage.TokenRecord{Name: "n", Mint: "m", Creator: "c"}))
	_, err = s.FindTokenByMint(ctx, "m")
	assert.NoError(t, err)
}
