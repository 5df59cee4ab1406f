package risk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Gate evaluates a token's safety report before any buy.
// SAFETY > PROFIT > SPEED
//
// The kill switch is always checked first and is never configurable.
type Gate struct {
	config   Config
	reports  ReportProvider
	registry storage.TokenRegistry

	mu         sync.RWMutex
	byReason   map[string]int64
	onDecision func(Decision)

	// Kill switch - atomic for lock-free check
	killed atomic.Bool
	frozen atomic.Bool

	// Metrics
	approved atomic.Int64
	blocked  atomic.Int64
	recorded atomic.Int64
	freezes  atomic.Int64
}

// Config holds the safety policy. Zero values are the strictest setting
// except where noted.
type Config struct {
	AllowMintAuthority          bool            `yaml:"allow_mint_authority"`
	AllowNotInitialized         bool            `yaml:"allow_not_initialized"`
	AllowFreezeAuthority        bool            `yaml:"allow_freeze_authority"`
	AllowRugged                 bool            `yaml:"allow_rugged"`
	AllowMutable                bool            `yaml:"allow_mutable"`
	AllowInsiderTopHolders      bool            `yaml:"allow_insider_topholders"`
	BlockReturningTokenNames    bool            `yaml:"block_returning_token_names"`
	BlockReturningTokenCreators bool            `yaml:"block_returning_token_creators"`
	RecordBlockedTokens         bool            `yaml:"record_blocked_tokens"` // false = only approved tokens enter the registry
	BlockSymbols                []string        `yaml:"block_symbols"`
	BlockNames                  []string        `yaml:"block_names"`
	MaxAllowedPctTopHolders     float64         `yaml:"max_allowed_pct_topholders"`
	ExcludeLPFromTopHolders     bool            `yaml:"exclude_lp_from_topholders"`
	MinTotalMarkets             int             `yaml:"min_total_markets"`
	MinTotalLPProviders         int             `yaml:"min_total_lp_providers"`
	MinTotalMarketLiquidity     decimal.Decimal `yaml:"min_total_market_liquidity"`
	MaxScore                    int             `yaml:"max_score"` // 0 disables the score check
	LegacyNotAllowed            []string        `yaml:"legacy_not_allowed"`
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		BlockReturningTokenNames:    true,
		BlockReturningTokenCreators: true,
		RecordBlockedTokens:         true,
		BlockSymbols:                []string{"XXX"},
		BlockNames:                  []string{"XXX"},
		MaxAllowedPctTopHolders:     1,
		MinTotalMarkets:             999,
		MinTotalLPProviders:         999,
		MinTotalMarketLiquidity:     decimal.NewFromInt(1_000_000),
		MaxScore:                    1,
		LegacyNotAllowed: []string{
			"Low Liquidity",
			"Single holder ownership",
			"High holder concentration",
			"Freeze Authority still enabled",
			"Large Amount of LP Unlocked",
			"Copycat token",
			"Low amount of LP Providers",
		},
	}
}

// Reason strings are stable: they are logged, audited and asserted on.
const (
	ReasonMintAuthority       = "mint authority present"
	ReasonNotInitialized      = "token not initialized"
	ReasonFreezeAuthority     = "freeze authority present"
	ReasonMutable             = "mutable metadata"
	ReasonInsiderHolders      = "insider top holders"
	ReasonHolderConcentration = "top holder concentration"
	ReasonLPProviders         = "insufficient LP providers"
	ReasonMarkets             = "insufficient markets"
	ReasonLiquidity           = "insufficient market liquidity"
	ReasonRugged              = "rugged"
	ReasonBlockedSymbol       = "blocked symbol"
	ReasonBlockedName         = "blocked name"
	ReasonScore               = "score above maximum"
	ReasonLegacyRisk          = "legacy risk present"

	ReasonDuplicateName     = "duplicate token name"
	ReasonReturningCreator  = "returning token creator"
	ReasonReportUnavailable = "safety report unavailable"
	ReasonRegistryError     = "token registry unavailable"
	ReasonKillSwitch        = "kill switch active"
	ReasonFrozen            = "system frozen"
)

// State is a step of the gate's evaluation.
type State string

const (
	StateReportFetched       State = "REPORT_FETCHED"
	StateConditionsEvaluated State = "CONDITIONS_EVALUATED"
	StateApproved            State = "APPROVED"
	StateBlocked             State = "BLOCKED"
)

// Decision is the gate's verdict on one mint.
type Decision struct {
	Mint      solana.Pubkey `json:"mint"`
	Approved  bool          `json:"approved"`
	State     State         `json:"state"`
	Reason    string        `json:"reason,omitempty"`  // first matching condition
	Reasons   []string      `json:"reasons,omitempty"` // every matching condition, in order
	Name      string        `json:"name,omitempty"`
	Creator   string        `json:"creator,omitempty"`
	Timestamp int64         `json:"ts"`
}

// ReportProvider fetches safety reports.
type ReportProvider interface {
	Report(ctx context.Context, mint solana.Pubkey) (*TokenSafetyReport, error)
}

// New creates a gate. registry may be nil, which disables duplicate checks
// and recording.
func New(cfg Config, reports ReportProvider, registry storage.TokenRegistry) *Gate {
	return &Gate{
		config:   cfg,
		reports:  reports,
		registry: registry,
		byReason: make(map[string]int64),
	}
}

// SetOnDecision registers a callback invoked for every decision.
func (g *Gate) SetOnDecision(fn func(Decision)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDecision = fn
}

// Check fetches the report for mint and evaluates it.
func (g *Gate) Check(ctx context.Context, mint solana.Pubkey) Decision {
	if d, blocked := g.switchDecision(mint); blocked {
		return g.finish(d)
	}

	report, err := g.reports.Report(ctx, mint)
	if err != nil || report == nil {
		log.Warn().Err(err).Str("mint", mint.Short()).Msg("risk: safety report unavailable")
		return g.finish(Decision{Mint: mint, State: StateBlocked, Reason: ReasonReportUnavailable, Reasons: []string{ReasonReportUnavailable}})
	}
	if report.Mint == "" {
		report.Mint = mint
	}
	return g.Evaluate(ctx, report)
}

// Evaluate runs the duplicate check, the registry write and the ordered
// conditions against an already fetched report.
func (g *Gate) Evaluate(ctx context.Context, report *TokenSafetyReport) Decision {
	d := Decision{
		Mint:    report.Mint,
		State:   StateReportFetched,
		Name:    report.Name,
		Creator: report.Creator,
	}
	if d.Creator == "" {
		d.Creator = string(report.Mint)
	}
	if sd, blocked := g.switchDecision(report.Mint); blocked {
		return g.finish(sd)
	}

	if reason, err := g.duplicateReason(ctx, report.Mint, report.Name, d.Creator); err != nil {
		log.Warn().Err(err).Str("mint", report.Mint.Short()).Msg("risk: registry lookup failed")
		return g.block(d, ReasonRegistryError)
	} else if reason != "" {
		return g.block(d, reason)
	}

	if g.config.RecordBlockedTokens {
		g.record(ctx, report.Mint, report.Name, d.Creator)
	}

	d.Reasons = g.conditions(report)
	d.State = StateConditionsEvaluated
	if len(d.Reasons) > 0 {
		d.Reason = d.Reasons[0]
		d.State = StateBlocked
		return g.finish(d)
	}

	if !g.config.RecordBlockedTokens {
		g.record(ctx, report.Mint, report.Name, d.Creator)
	}
	d.Approved = true
	d.State = StateApproved
	return g.finish(d)
}

// conditions returns every matching block reason in evaluation order.
func (g *Gate) conditions(r *TokenSafetyReport) []string {
	cfg := g.config
	holders := r.TopHolders
	if cfg.ExcludeLPFromTopHolders {
		holders = r.HoldersExcludingLP()
	}

	var reasons []string
	add := func(hit bool, reason string) {
		if hit {
			reasons = append(reasons, reason)
		}
	}

	add(!cfg.AllowMintAuthority && r.MintAuthority != nil, ReasonMintAuthority)
	add(!cfg.AllowNotInitialized && !r.IsInitialized, ReasonNotInitialized)
	add(!cfg.AllowFreezeAuthority && r.FreezeAuthority != nil, ReasonFreezeAuthority)
	add(!cfg.AllowMutable && r.Mutable, ReasonMutable)
	add(!cfg.AllowInsiderTopHolders && slices.ContainsFunc(holders, func(h Holder) bool { return h.Insider }), ReasonInsiderHolders)
	add(slices.ContainsFunc(holders, func(h Holder) bool { return h.Pct > cfg.MaxAllowedPctTopHolders }), ReasonHolderConcentration)
	add(r.TotalLPProviders < cfg.MinTotalLPProviders, ReasonLPProviders)
	add(len(r.Markets) < cfg.MinTotalMarkets, ReasonMarkets)
	add(r.TotalMarketLiquidity.LessThan(cfg.MinTotalMarketLiquidity), ReasonLiquidity)
	add(!cfg.AllowRugged && r.Rugged, ReasonRugged)
	add(slices.Contains(cfg.BlockSymbols, r.Symbol), ReasonBlockedSymbol)
	add(slices.Contains(cfg.BlockNames, r.Name), ReasonBlockedName)
	add(cfg.MaxScore != 0 && r.Score > cfg.MaxScore, ReasonScore)
	add(slices.ContainsFunc(r.Risks, func(name string) bool { return slices.Contains(cfg.LegacyNotAllowed, name) }), ReasonLegacyRisk)

	return reasons
}

// duplicateReason matches the registry against other mints only. A token
// re-checked after a restart finds its own record, which is not a duplicate.
func (g *Gate) duplicateReason(ctx context.Context, mint solana.Pubkey, name, creator string) (string, error) {
	if g.registry == nil || (!g.config.BlockReturningTokenNames && !g.config.BlockReturningTokenCreators) {
		return "", nil
	}
	found, err := g.registry.FindTokensByNameOrCreator(ctx, name, creator)
	if err != nil {
		return "", err
	}
	found = slices.DeleteFunc(found, func(t storage.TokenRecord) bool { return t.Mint == string(mint) })
	if g.config.BlockReturningTokenNames && slices.ContainsFunc(found, func(t storage.TokenRecord) bool { return t.Name == name }) {
		return ReasonDuplicateName, nil
	}
	if g.config.BlockReturningTokenCreators && slices.ContainsFunc(found, func(t storage.TokenRecord) bool { return t.Creator == creator }) {
		return ReasonReturningCreator, nil
	}
	return "", nil
}

// record writes the token once per mint. Failures are logged only.
func (g *Gate) record(ctx context.Context, mint solana.Pubkey, name, creator string) {
	if g.registry == nil {
		return
	}
	if _, err := g.registry.FindTokenByMint(ctx, string(mint)); err == nil {
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("mint", mint.Short()).Msg("risk: registry lookup failed")
		return
	}
	rec := storage.TokenRecord{Time: time.Now().UnixMilli(), Name: name, Mint: string(mint), Creator: creator}
	if err := g.registry.InsertNewToken(ctx, rec); err != nil {
		log.Warn().Err(err).Str("mint", mint.Short()).Msg("risk: unable to record token")
		return
	}
	g.recorded.Add(1)
}

func (g *Gate) switchDecision(mint solana.Pubkey) (Decision, bool) {
	// Kill switch check - ALWAYS first, atomic, no lock needed
	if g.killed.Load() {
		return Decision{Mint: mint, State: StateBlocked, Reason: ReasonKillSwitch, Reasons: []string{ReasonKillSwitch}}, true
	}
	if g.frozen.Load() {
		return Decision{Mint: mint, State: StateBlocked, Reason: ReasonFrozen, Reasons: []string{ReasonFrozen}}, true
	}
	return Decision{}, false
}

func (g *Gate) block(d Decision, reason string) Decision {
	d.State = StateBlocked
	d.Reason = reason
	d.Reasons = []string{reason}
	return g.finish(d)
}

func (g *Gate) finish(d Decision) Decision {
	d.Timestamp = time.Now().UnixMicro()

	g.mu.Lock()
	if !d.Approved {
		g.byReason[d.Reason]++
	}
	cb := g.onDecision
	g.mu.Unlock()

	if d.Approved {
		g.approved.Add(1)
		log.Info().Str("mint", d.Mint.Short()).Str("name", d.Name).Msg("risk: APPROVED")
	} else {
		g.blocked.Add(1)
		log.Warn().Str("mint", d.Mint.Short()).Str("name", d.Name).Strs("reasons", d.Reasons).Msg("risk: BLOCKED")
	}

	if cb != nil {
		cb(d)
	}
	return d
}

// Kill activates the kill switch. Immediate, in-process.
func (g *Gate) Kill() {
	g.killed.Store(true)
	log.Error().Msg("KILL SWITCH ACTIVATED - All buys blocked")
}

// Freeze freezes the gate (can be resumed, unlike kill).
func (g *Gate) Freeze(reason string) {
	g.frozen.Store(true)
	g.freezes.Add(1)
	log.Warn().Str("reason", reason).Msg("risk: SYSTEM FROZEN")
}

// Resume unfreezes the gate.
func (g *Gate) Resume() {
	if g.killed.Load() {
		log.Warn().Msg("risk: cannot resume, kill switch is active (requires restart)")
		return
	}
	g.frozen.Store(false)
	log.Info().Msg("risk: resumed")
}

// IsActive returns true if the gate is not killed or frozen.
func (g *Gate) IsActive() bool {
	return !g.killed.Load() && !g.frozen.Load()
}

// Metrics returns gate metrics.
func (g *Gate) Metrics() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := map[string]interface{}{
		"killed":         g.killed.Load(),
		"frozen":         g.frozen.Load(),
		"approved_total": g.approved.Load(),
		"blocked_total":  g.blocked.Load(),
		"recorded_total": g.recorded.Load(),
		"freezes_total":  g.freezes.Load(),
	}
	for reason, n := range g.byReason {
		m[fmt.Sprintf("blocked{%s}", reason)] = n
	}
	return m
}
