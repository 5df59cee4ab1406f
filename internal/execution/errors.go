package execution

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/nexus-trading/nexus-swap/internal/adapters/jupiter"
	"github.com/nexus-trading/nexus-swap/internal/amount"
	"github.com/nexus-trading/nexus-swap/internal/solana"
)

// ErrorKind is the typed reason a trade failed.
type ErrorKind string

const (
	// Transient: the pipeline restarts from QUOTE with backoff.
	KindTimeout             ErrorKind = "TIMEOUT"
	KindConnection          ErrorKind = "CONNECTION"
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindBlockhashNotFound   ErrorKind = "BLOCKHASH_NOT_FOUND"
	KindBlockHeightExceeded ErrorKind = "BLOCK_HEIGHT_EXCEEDED"

	// Validation: abort, no retry.
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindRiskBlocked         ErrorKind = "RISK_BLOCKED"
	KindBalanceMismatch     ErrorKind = "BALANCE_MISMATCH"
	KindInvalidAmount       ErrorKind = "INVALID_AMOUNT"
	KindQuoteFailed         ErrorKind = "QUOTE_FAILED"
	KindTokenNotTradable    ErrorKind = "TOKEN_NOT_TRADABLE"
	KindSerializeFailed     ErrorKind = "SERIALIZE_FAILED"
	KindSignFailed          ErrorKind = "SIGN_FAILED"
	KindSubmissionFailed    ErrorKind = "SUBMISSION_FAILED"

	// The transaction landed and failed. Never resubmitted by hash.
	KindConfirmationRejected ErrorKind = "CONFIRMATION_REJECTED"

	// Fatal: the pair (or the whole scheduler) stops.
	KindWalletUninitialized ErrorKind = "WALLET_UNINITIALIZED"
	KindInvalidConfig       ErrorKind = "INVALID_CONFIG"

	KindMaxRetriesExceeded ErrorKind = "MAX_RETRIES_EXCEEDED"
	KindCancelled          ErrorKind = "CANCELLED"
)

// Transient reports whether the kind triggers a pipeline restart.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindConnection, KindRateLimited, KindBlockhashNotFound, KindBlockHeightExceeded:
		return true
	}
	return false
}

// Fatal reports whether the kind should stop scheduling.
func (k ErrorKind) Fatal() bool {
	return k == KindWalletUninitialized || k == KindInvalidConfig
}

// Classify maps an error raised in stage to its ErrorKind. Errors that match
// no known cause take the stage's default kind.
func Classify(stage State, err error) ErrorKind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, solana.ErrWalletUninitialized):
		return KindWalletUninitialized
	case errors.Is(err, amount.ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, amount.ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, solana.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, solana.ErrBlockhashNotFound):
		return KindBlockhashNotFound
	case errors.Is(err, solana.ErrBlockHeightExceeded):
		return KindBlockHeightExceeded
	case errors.Is(err, solana.ErrTransactionFailed):
		return KindConfirmationRejected
	case errors.Is(err, solana.ErrCircuitOpen), errors.Is(err, jupiter.ErrCircuitOpen):
		return KindConnection
	case jupiter.IsTokenNotTradable(err):
		return KindTokenNotTradable
	}

	var apiErr *jupiter.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited
		case apiErr.StatusCode >= 500:
			return KindConnection
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindConnection
	}

	switch stage {
	case StateQuote:
		return KindQuoteFailed
	case StateSerialize:
		return KindSerializeFailed
	case StateSign:
		return KindSignFailed
	case StateSubmit:
		return KindSubmissionFailed
	case StateConfirm:
		return KindTimeout
	}
	return KindInvalidConfig
}
