// Package ledger wraps the on-chain transfer path: building, signing and
// broadcasting a payment (server-signs mode) and verifying a payment by its
// signature (client-pays mode). Both modes distinguish "failed on-chain"
// from "accepted but not yet confirmed", which is retryable.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrInsufficientFunds means the payer cannot cover the transfer.
	ErrInsufficientFunds = errors.New("insufficient funds for transfer")
	// ErrRejected means the transaction failed on-chain. The spend did not
	// happen; retrying requires a new transaction.
	ErrRejected = errors.New("transaction rejected on-chain")
	// ErrTimeout means the transaction was accepted by the network but
	// confirmation was not observed in time. The payment may still have
	// succeeded; callers must not assume failure and pay again.
	ErrTimeout = errors.New("confirmation not observed; payment may still have succeeded")
	// ErrTxNotFound means no transaction exists for the given signature.
	ErrTxNotFound = errors.New("transaction not found")
	// ErrVerificationMismatch means the transaction exists and succeeded but
	// its payer, recipient, amount, or memo did not match the quote.
	ErrVerificationMismatch = errors.New("transaction does not match quote")
)

// VerifyLevel controls how much of the quote is cross-checked against the
// observed transaction.
type VerifyLevel int

const (
	// VerifyMinimal only checks that the transaction exists and did not fail.
	VerifyMinimal VerifyLevel = iota
	// VerifyStrict additionally cross-checks recipient, amount, memo and,
	// when an expected payer is known, the sender.
	VerifyStrict
)

func ParseVerifyLevel(s string) VerifyLevel {
	if s == "minimal" {
		return VerifyMinimal
	}
	return VerifyStrict
}

// PayRequest is one server-signed split payment: the recipient amount goes
// to Recipient, the fee to Treasury, with the memo bound to the main
// transfer's calldata.
type PayRequest struct {
	PayerKeyHex    string
	Recipient      common.Address
	Treasury       common.Address
	RecipientUnits *big.Int
	FeeUnits       *big.Int
	Memo           []byte
}

// VerifyRequest checks an existing transaction against a quote.
type VerifyRequest struct {
	Signature string
	Level     VerifyLevel

	Recipient     common.Address
	MinimumUnits  *big.Int
	Memo          []byte
	ExpectedPayer common.Address // zero address = payer not checked
}

// Backend is the subset of ethclient.Client the ledger needs, narrowed so
// tests can stand in a fake node.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}
