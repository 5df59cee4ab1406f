package solana

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
)

// ErrWalletUninitialized is returned when no private key is configured.
var ErrWalletUninitialized = errors.New("solana: wallet not initialized")

// SignedTx is a wire-ready transaction.
type SignedTx struct {
	Raw       []byte    `json:"-"`
	Signature Signature `json:"signature"`
	Blockhash string    `json:"blockhash"`
}

// Base64 returns the wire encoding expected by sendTransaction.
func (t SignedTx) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Raw)
}

// KeypairSigner signs serialized swap transactions with a local keypair.
type KeypairSigner struct {
	key sol.PrivateKey
	pub sol.PublicKey
}

// NewKeypairSigner parses a base58 64-byte secret key.
func NewKeypairSigner(base58Key string) (*KeypairSigner, error) {
	if base58Key == "" {
		return nil, ErrWalletUninitialized
	}
	key, err := sol.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("solana: parse private key: %w", err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("solana: private key must be 64 bytes, got %d", len(key))
	}
	pub := key.PublicKey()
	if !IsOnCurve(Pubkey(pub.String())) {
		return nil, fmt.Errorf("solana: wallet public key %s is not on the ed25519 curve", pub)
	}
	return &KeypairSigner{key: key, pub: pub}, nil
}

// PublicKey returns the wallet address.
func (s *KeypairSigner) PublicKey() Pubkey {
	return Pubkey(s.pub.String())
}

// Sign decodes a base64 transaction (legacy or v0), fills the wallet's
// signature slot and re-encodes it. No network access.
func (s *KeypairSigner) Sign(payloadBase64 string) (SignedTx, error) {
	data, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		return SignedTx{}, fmt.Errorf("solana: decode payload: %w", err)
	}

	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return SignedTx{}, fmt.Errorf("solana: decode transaction: %w", err)
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	slot := -1
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(s.pub) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return SignedTx{}, fmt.Errorf("solana: wallet %s is not a required signer", s.pub)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return SignedTx{}, fmt.Errorf("solana: marshal message: %w", err)
	}
	sig, err := s.key.Sign(msg)
	if err != nil {
		return SignedTx{}, fmt.Errorf("solana: sign: %w", err)
	}

	for len(tx.Signatures) < required {
		tx.Signatures = append(tx.Signatures, sol.Signature{})
	}
	tx.Signatures[slot] = sig

	raw, err := tx.MarshalBinary()
	if err != nil {
		return SignedTx{}, fmt.Errorf("solana: marshal transaction: %w", err)
	}

	return SignedTx{
		Raw:       raw,
		Signature: Signature(tx.Signatures[0].String()),
		Blockhash: tx.Message.RecentBlockhash.String(),
	}, nil
}
