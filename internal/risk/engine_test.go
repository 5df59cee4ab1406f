package risk

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/nexus-trading/nexus-swap/internal/storage/memory"
	"github.com/nexus-trading/nexus-swap/internal/storage/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReports struct {
	reports map[solana.Pubkey]*TokenSafetyReport
	err     error
	calls   int
}

func (s *stubReports) Report(_ context.Context, mint solana.Pubkey) (*TokenSafetyReport, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.reports[mint]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *r
	return &cp, nil
}

func strPtr(s string) *string { return &s }

func testConfig() Config {
	return Config{
		BlockReturningTokenNames:    true,
		BlockReturningTokenCreators: true,
		RecordBlockedTokens:         true,
		MaxAllowedPctTopHolders:     30,
		MinTotalMarkets:             1,
		MinTotalLPProviders:         1,
		MinTotalMarketLiquidity:     decimal.NewFromInt(1000),
		MaxScore:                    500,
		LegacyNotAllowed:            []string{"Copycat token"},
	}
}

func safeReport(mint, name, creator string) *TokenSafetyReport {
	return &TokenSafetyReport{
		Mint:                 solana.Pubkey(mint),
		IsInitialized:        true,
		TopHolders:           []Holder{{Address: "h1", Pct: 10}},
		Markets:              []Market{{Pubkey: "pool1", LiquidityA: "lpA", LiquidityB: "lpB"}},
		TotalLPProviders:     5,
		TotalMarketLiquidity: decimal.NewFromInt(50_000),
		Score:                100,
		Name:                 name,
		Symbol:               "SAFE",
		Creator:              creator,
	}
}

func newGate(cfg Config, reports ...*TokenSafetyReport) (*Gate, *memory.Store, *stubReports) {
	stub := &stubReports{reports: make(map[solana.Pubkey]*TokenSafetyReport)}
	for _, r := range reports {
		stub.reports[r.Mint] = r
	}
	store := memory.New()
	return New(cfg, stub, store), store, stub
}

func TestGate_ApprovesSafeToken(t *testing.T) {
	g, store, _ := newGate(testConfig(), safeReport("m1", "Safe", "c1"))

	d := g.Check(context.Background(), "m1")
	assert.True(t, d.Approved)
	assert.Equal(t, StateApproved, d.State)
	assert.Empty(t, d.Reason)

	rec, err := store.FindTokenByMint(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.Creator)
}

func TestGate_ConditionsInOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *TokenSafetyReport)
		reason string
	}{
		{"mint authority", func(r *TokenSafetyReport) { r.MintAuthority = strPtr("auth") }, ReasonMintAuthority},
		{"not initialized", func(r *TokenSafetyReport) { r.IsInitialized = false }, ReasonNotInitialized},
		{"freeze authority", func(r *TokenSafetyReport) { r.FreezeAuthority = strPtr("auth") }, ReasonFreezeAuthority},
		{"mutable", func(r *TokenSafetyReport) { r.Mutable = true }, ReasonMutable},
		{"insider", func(r *TokenSafetyReport) { r.TopHolders[0].Insider = true }, ReasonInsiderHolders},
		{"concentration", func(r *TokenSafetyReport) { r.TopHolders[0].Pct = 31 }, ReasonHolderConcentration},
		{"lp providers", func(r *TokenSafetyReport) { r.TotalLPProviders = 0 }, ReasonLPProviders},
		{"markets", func(r *TokenSafetyReport) { r.Markets = nil }, ReasonMarkets},
		{"liquidity", func(r *TokenSafetyReport) { r.TotalMarketLiquidity = decimal.NewFromInt(999) }, ReasonLiquidity},
		{"rugged", func(r *TokenSafetyReport) { r.Rugged = true }, ReasonRugged},
		{"symbol", func(r *TokenSafetyReport) { r.Symbol = "XXX" }, ReasonBlockedSymbol},
		{"name", func(r *TokenSafetyReport) { r.Name = "XXX" }, ReasonBlockedName},
		{"score", func(r *TokenSafetyReport) { r.Score = 501 }, ReasonScore},
		{"legacy", func(r *TokenSafetyReport) { r.Risks = []string{"Copycat token"} }, ReasonLegacyRisk},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.BlockSymbols = []string{"XXX"}
			cfg.BlockNames = []string{"XXX"}
			r := safeReport("m1", "Safe", "c1")
			tc.mutate(r)
			g, _, _ := newGate(cfg)

			d := g.Evaluate(context.Background(), r)
			assert.False(t, d.Approved)
			assert.Equal(t, StateBlocked, d.State)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestGate_FirstMatchWins(t *testing.T) {
	r := safeReport("m1", "Safe", "c1")
	r.MintAuthority = strPtr("auth")
	r.Rugged = true
	g, _, _ := newGate(testConfig())

	d := g.Evaluate(context.Background(), r)
	assert.Equal(t, ReasonMintAuthority, d.Reason)
	assert.Equal(t, []string{ReasonMintAuthority, ReasonRugged}, d.Reasons)
}

func TestGate_NeverApprovesMintAuthority(t *testing.T) {
	cfg := testConfig()
	cfg.AllowMintAuthority = false
	cfg.AllowFreezeAuthority = true
	cfg.AllowMutable = true
	cfg.AllowRugged = true
	cfg.MaxScore = 0

	for i, auth := range []string{"a", "b", ""} {
		r := safeReport("m", "Name", "c")
		r.Mint = solana.Pubkey(string(rune('a' + i)))
		r.Name = string(rune('A' + i))
		r.Creator = string(rune('k' + i))
		r.MintAuthority = strPtr(auth)
		g, _, _ := newGate(cfg)
		assert.False(t, g.Evaluate(context.Background(), r).Approved)
	}

	cfg.AllowMintAuthority = true
	r := safeReport("m", "Name", "c")
	r.MintAuthority = strPtr("auth")
	g, _, _ := newGate(cfg)
	assert.True(t, g.Evaluate(context.Background(), r).Approved)
}

func TestGate_ReturningCreatorBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.BlockReturningTokenNames = false
	g, _, _ := newGate(cfg, safeReport("m1", "Alpha", "creator"), safeReport("m2", "Beta", "creator"))

	first := g.Check(context.Background(), "m1")
	require.True(t, first.Approved)

	second := g.Check(context.Background(), "m2")
	assert.False(t, second.Approved)
	assert.Equal(t, ReasonReturningCreator, second.Reason)
}

func TestGate_DuplicateNameBlocked(t *testing.T) {
	g, _, _ := newGate(testConfig(), safeReport("m1", "Alpha", "c1"), safeReport("m2", "Alpha", "c2"))

	require.True(t, g.Check(context.Background(), "m1").Approved)
	d := g.Check(context.Background(), "m2")
	assert.Equal(t, ReasonDuplicateName, d.Reason)
}

func TestGate_SameNameAndCreatorTwice(t *testing.T) {
	r := safeReport("m1", "Alpha", "c1")
	g, _, _ := newGate(testConfig())

	require.True(t, g.Evaluate(context.Background(), r).Approved)
	r2 := safeReport("m2", "Alpha", "c1")
	d := g.Evaluate(context.Background(), r2)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonDuplicateName, d.Reason)
}

func TestGate_SameMintIsNotDuplicate(t *testing.T) {
	g, _, _ := newGate(testConfig())

	require.True(t, g.Evaluate(context.Background(), safeReport("m1", "Alpha", "c1")).Approved)
	d := g.Evaluate(context.Background(), safeReport("m1", "Alpha", "c1"))
	assert.True(t, d.Approved, d.Reason)
}

func TestGate_RecheckAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "swap.db")
	bonk := safeReport("DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", "Bonk", "creator1")
	stub := &stubReports{reports: map[solana.Pubkey]*TokenSafetyReport{bonk.Mint: bonk}}

	first, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.True(t, New(testConfig(), stub, first).Check(ctx, bonk.Mint).Approved)
	require.NoError(t, first.Close())

	second, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	_, err = second.FindTokenByMint(ctx, string(bonk.Mint))
	require.NoError(t, err, "registry survives the restart")

	d := New(testConfig(), stub, second).Check(ctx, bonk.Mint)
	assert.True(t, d.Approved, d.Reason)

	clone := safeReport("m2", "Bonk", "creator2")
	d = New(testConfig(), stub, second).Evaluate(ctx, clone)
	assert.Equal(t, ReasonDuplicateName, d.Reason)
}

func TestGate_RecordsBlockedTokensByDefault(t *testing.T) {
	r := safeReport("m1", "Alpha", "c1")
	r.Rugged = true
	g, store, _ := newGate(testConfig())

	d := g.Evaluate(context.Background(), r)
	require.False(t, d.Approved)

	_, err := store.FindTokenByMint(context.Background(), "m1")
	assert.NoError(t, err, "blocked tokens are still recorded")

	// The creator is now known and a later token from it is blocked.
	d = g.Evaluate(context.Background(), safeReport("m2", "Other", "c1"))
	assert.Equal(t, ReasonReturningCreator, d.Reason)
}

func TestGate_RecordOnlyApproved(t *testing.T) {
	cfg := testConfig()
	cfg.RecordBlockedTokens = false
	r := safeReport("m1", "Alpha", "c1")
	r.Rugged = true
	g, store, _ := newGate(cfg)

	require.False(t, g.Evaluate(context.Background(), r).Approved)
	_, err := store.FindTokenByMint(context.Background(), "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.True(t, g.Evaluate(context.Background(), safeReport("m2", "Beta", "c2")).Approved)
	_, err = store.FindTokenByMint(context.Background(), "m2")
	assert.NoError(t, err)
}

func TestGate_RecordsOncePerMint(t *testing.T) {
	cfg := testConfig()
	cfg.BlockReturningTokenNames = false
	cfg.BlockReturningTokenCreators = false
	g, store, _ := newGate(cfg)

	g.Evaluate(context.Background(), safeReport("m1", "Alpha", "c1"))
	g.Evaluate(context.Background(), safeReport("m1", "Alpha", "c1"))

	found, err := store.FindTokensByNameOrCreator(context.Background(), "Alpha", "c1")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestGate_LPProvidersBelowMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.MinTotalLPProviders = 999
	r := safeReport("m1", "Alpha", "c1")
	r.TotalLPProviders = 0
	g, _, _ := newGate(cfg, r)

	d := g.Check(context.Background(), "m1")
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonLPProviders, d.Reason)
}

func TestGate_ExcludeLPFromTopHolders(t *testing.T) {
	r := safeReport("m1", "Alpha", "c1")
	r.TopHolders = append(r.TopHolders, Holder{Address: "lpA", Pct: 80})

	g, _, _ := newGate(testConfig())
	assert.Equal(t, ReasonHolderConcentration, g.Evaluate(context.Background(), r).Reason)

	cfg := testConfig()
	cfg.ExcludeLPFromTopHolders = true
	g, _, _ = newGate(cfg)
	r.Mint, r.Name, r.Creator = "m2", "Beta", "c2"
	assert.True(t, g.Evaluate(context.Background(), r).Approved)
}

func TestGate_ReportUnavailable(t *testing.T) {
	g, _, stub := newGate(testConfig())
	stub.err = errors.New("timeout")

	d := g.Check(context.Background(), "m1")
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonReportUnavailable, d.Reason)
}

func TestGate_KillSwitch(t *testing.T) {
	g, _, stub := newGate(testConfig(), safeReport("m1", "Alpha", "c1"))

	g.Kill()
	d := g.Check(context.Background(), "m1")
	assert.Equal(t, ReasonKillSwitch, d.Reason)
	assert.Zero(t, stub.calls, "report is not fetched when killed")

	g.Resume()
	assert.False(t, g.IsActive(), "kill cannot be resumed")
}

func TestGate_FreezeResume(t *testing.T) {
	g, _, _ := newGate(testConfig(), safeReport("m1", "Alpha", "c1"))

	g.Freeze("manual")
	assert.Equal(t, ReasonFrozen, g.Check(context.Background(), "m1").Reason)

	g.Resume()
	assert.True(t, g.Check(context.Background(), "m1").Approved)

	m := g.Metrics()
	assert.Equal(t, int64(1), m["approved_total"])
	assert.Equal(t, int64(1), m["blocked_total"])
	assert.Equal(t, int64(1), m["blocked{system frozen}"])
}

func TestGate_OnDecision(t *testing.T) {
	g, _, _ := newGate(testConfig(), safeReport("m1", "Alpha", "c1"))
	var got []Decision
	g.SetOnDecision(func(d Decision) { got = append(got, d) })

	g.Check(context.Background(), "m1")
	require.Len(t, got, 1)
	assert.Equal(t, solana.Pubkey("m1"), got[0].Mint)
	assert.NotZero(t, got[0].Timestamp)
}

func TestHoldersExcludingLP(t *testing.T) {
	r := &TokenSafetyReport{
		TopHolders: []Holder{{Address: "a"}, {Address: "lp1"}, {Address: "b"}, {Address: "lp2"}},
		Markets:    []Market{{LiquidityA: "lp1"}, {LiquidityB: "lp2"}},
	}
	got := r.HoldersExcludingLP()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Address)
	assert.Equal(t, "b", got[1].Address)
}
