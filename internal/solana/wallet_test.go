package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	pub Pubkey
}

func (f fakeSigner) PublicKey() Pubkey { return f.pub }

func (f fakeSigner) Sign(payload string) (SignedTx, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return SignedTx{}, err
	}
	return SignedTx{Raw: raw, Signature: "fake-sig", Blockhash: "hash"}, nil
}

func newTestWallet(stub *StubRPCClient) *Wallet {
	return NewWallet(stub, fakeSigner{pub: "owner"}, nil, WalletConfig{PollInterval: 10 * time.Millisecond})
}

func TestWallet_Balance(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetLamports("owner", 2_500_000_000)
	stub.SetTokenBalance(TokenBalance{Mint: "mintA", Amount: decimal.NewFromInt(1234), Decimals: 6})
	w := newTestWallet(stub)

	sol, err := w.Balance(context.Background(), SOLMint)
	require.NoError(t, err)
	assert.Equal(t, "2500000000", sol.Amount.String())
	assert.Equal(t, int32(SOLDecimals), sol.Decimals)

	tok, err := w.Balance(context.Background(), "mintA")
	require.NoError(t, err)
	assert.Equal(t, "1234", tok.Amount.String())
}

func TestWallet_Submit(t *testing.T) {
	stub := NewStubRPCClient()
	w := newTestWallet(stub)

	sig, err := w.Submit(context.Background(), []byte("signed-bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte("signed-bytes"))}, stub.Sent())

	stub.QueueSendError(ErrBlockhashNotFound)
	_, err = w.Submit(context.Background(), []byte("signed-bytes"))
	assert.ErrorIs(t, err, ErrBlockhashNotFound)
	assert.Equal(t, int64(1), w.Stats().Submitted)
}

func TestWallet_ConfirmLanded(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetStatus("sig-1", SignatureStatus{Slot: 10, ConfirmationStatus: "confirmed"})
	w := newTestWallet(stub)

	err := w.Confirm(context.Background(), ConfirmRequest{Signature: "sig-1", LastValidBlockHeight: 1150})
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Stats().Confirmed)
}

func TestWallet_ConfirmLandedWithError(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetStatus("sig-1", SignatureStatus{Slot: 10, ConfirmationStatus: "confirmed", Err: `{"InstructionError":[2,{"Custom":6001}]}`})
	w := newTestWallet(stub)

	err := w.Confirm(context.Background(), ConfirmRequest{Signature: "sig-1", LastValidBlockHeight: 1150})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransactionFailed))
}

func TestWallet_ConfirmBlockHeightExceeded(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetBlockHeight(1200)
	w := newTestWallet(stub)

	err := w.Confirm(context.Background(), ConfirmRequest{Signature: "sig-1", LastValidBlockHeight: 1150})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockHeightExceeded))
	assert.Equal(t, int64(1), w.Stats().Expired)
}

func TestWallet_ConfirmWithoutHeightUsesLatestBlockhash(t *testing.T) {
	stub := NewStubRPCClient() // latest blockhash valid until 1150
	stub.SetBlockHeight(1200)
	w := newTestWallet(stub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := w.Confirm(ctx, ConfirmRequest{Signature: "sig-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockHeightExceeded)
	assert.Equal(t, int64(1), w.Stats().Expired)
}

func TestWallet_Inventory(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetLamports("owner", 3_000_000_000)
	stub.SetTokenBalance(TokenBalance{Mint: "mintA", Amount: decimal.NewFromInt(42), Decimals: 6})
	w := newTestWallet(stub)

	inv, err := w.Inventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", inv.SOL().String())
	assert.Equal(t, "42", inv.Tokens["mintA"].Amount.String())

	pw := NewPaperWallet("paper-owner", 1_000_000_000, 0)
	pw.SetBalance(TokenBalance{Mint: "mintB", Amount: decimal.NewFromInt(7)})
	inv, err = pw.Inventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", inv.SOL().String())
	require.Len(t, inv.Tokens, 1)
	assert.Equal(t, "7", inv.Tokens["mintB"].Amount.String())
}

func TestWallet_ConfirmTimeout(t *testing.T) {
	stub := NewStubRPCClient()
	w := newTestWallet(stub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Confirm(ctx, ConfirmRequest{Signature: "sig-1", LastValidBlockHeight: 1150})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWallet_ConfirmProcessedIsNotEnough(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetStatus("sig-1", SignatureStatus{Slot: 10, ConfirmationStatus: "processed"})
	w := newTestWallet(stub)

	go func() {
		time.Sleep(30 * time.Millisecond)
		stub.SetStatus("sig-1", SignatureStatus{Slot: 10, ConfirmationStatus: "finalized"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Confirm(ctx, ConfirmRequest{Signature: "sig-1"}))
}

func TestPaperWallet_Lifecycle(t *testing.T) {
	pw := NewPaperWallet("paper-owner", 1_000_000_000, 0)
	payload := base64.StdEncoding.EncodeToString([]byte("swap-tx"))

	signed, err := pw.Sign(payload)
	require.NoError(t, err)
	assert.Contains(t, string(signed.Signature), "DRYRUN-")

	again, err := pw.Sign(payload)
	require.NoError(t, err)
	assert.Equal(t, signed.Signature, again.Signature)

	sig, err := pw.Submit(context.Background(), signed.Raw)
	require.NoError(t, err)
	assert.Equal(t, signed.Signature, sig)

	require.NoError(t, pw.Confirm(context.Background(), ConfirmRequest{Signature: sig}))
	assert.ErrorIs(t, pw.Confirm(context.Background(), ConfirmRequest{Signature: "other"}), ErrTransactionFailed)

	_, err = pw.Submit(context.Background(), []byte("never-signed"))
	assert.Error(t, err)
}

func TestPaperWallet_Settle(t *testing.T) {
	pw := NewPaperWallet("paper-owner", 1_000_000_000, 0)

	require.NoError(t, pw.Settle(SOLMint, decimal.NewFromInt(10_000_000), "mintA", decimal.NewFromInt(1000)))

	sol, _ := pw.Balance(context.Background(), SOLMint)
	tok, _ := pw.Balance(context.Background(), "mintA")
	assert.Equal(t, "990000000", sol.Amount.String())
	assert.Equal(t, "1000", tok.Amount.String())

	err := pw.Settle("mintA", decimal.NewFromInt(5000), SOLMint, decimal.NewFromInt(1))
	assert.Error(t, err)
}
