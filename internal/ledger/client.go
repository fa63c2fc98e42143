package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Gas budget for a value transfer carrying a short memo in calldata.
const transferGasLimit = 50_000

const receiptPollInterval = 2 * time.Second

// Client executes and verifies native transfers against one chain.
type Client struct {
	backend        Backend
	chainID        *big.Int
	confirmations  uint64
	confirmTimeout time.Duration
	log            *zap.Logger
}

func NewClient(rpcURL string, chainID int64, confirmations uint64, confirmTimeout time.Duration, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewClientWithBackend(eth, chainID, confirmations, confirmTimeout, log), nil
}

func NewClientWithBackend(backend Backend, chainID int64, confirmations uint64, confirmTimeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		backend:        backend,
		chainID:        big.NewInt(chainID),
		confirmations:  confirmations,
		confirmTimeout: confirmTimeout,
		log:            log,
	}
}

// Pay signs and broadcasts the split payment, then waits until the main
// transfer reaches the configured confirmation depth. The signing key lives
// only in this call frame; it is never stored or logged.
func (c *Client) Pay(ctx context.Context, req PayRequest) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(req.PayerKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse payer key: %w", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	total := new(big.Int).Add(req.RecipientUnits, req.FeeUnits)
	balance, err := c.backend.BalanceAt(ctx, payer, nil)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	if balance.Cmp(total) < 0 {
		return "", fmt.Errorf("%w: balance %s < required %s", ErrInsufficientFunds, balance, total)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, payer)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	signer := types.LatestSignerForChainID(c.chainID)

	// Main transfer carries the memo binding the payment to the job.
	mainTx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       &req.Recipient,
		Value:    req.RecipientUnits,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
		Data:     req.Memo,
	})
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, mainTx); err != nil {
		return "", classifySendError(err)
	}

	// Fee split to the treasury; zero fees skip the extra transaction.
	if req.FeeUnits.Sign() > 0 {
		feeTx, err := types.SignNewTx(key, signer, &types.LegacyTx{
			Nonce:    nonce + 1,
			To:       &req.Treasury,
			Value:    req.FeeUnits,
			Gas:      transferGasLimit,
			GasPrice: gasPrice,
			Data:     req.Memo,
		})
		if err != nil {
			return "", fmt.Errorf("sign fee transfer: %w", err)
		}
		if err := c.backend.SendTransaction(ctx, feeTx); err != nil {
			// The main payment is already in flight; surface the fee
			// failure but keep the main hash for verification.
			c.log.Error("fee transfer broadcast failed",
				zap.String("tx", mainTx.Hash().Hex()),
				zap.Error(err),
			)
		}
	}

	if err := c.waitConfirmed(ctx, mainTx.Hash()); err != nil {
		return mainTx.Hash().Hex(), err
	}
	return mainTx.Hash().Hex(), nil
}

// waitConfirmed polls for the receipt and then for the commitment depth.
func (c *Client) waitConfirmed(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(c.confirmTimeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: %s", ErrRejected, hash.Hex())
			}
			head, err := c.backend.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+c.confirmations {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

// Verify checks a caller-supplied transaction signature. A pending
// transaction maps to ErrTimeout so the caller can retry the settle without
// paying again; a missing one maps to ErrTxNotFound.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) error {
	sig := strings.TrimSpace(req.Signature)
	if !strings.HasPrefix(sig, "0x") || len(sig) != 66 {
		return fmt.Errorf("%w: malformed signature %q", ErrTxNotFound, req.Signature)
	}
	hash := common.HexToHash(sig)

	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
	}
	if pending {
		return fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil || receipt == nil {
		return fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return fmt.Errorf("%w: %s", ErrRejected, hash.Hex())
	}
	head, err := c.backend.BlockNumber(ctx)
	if err == nil && head < receipt.BlockNumber.Uint64()+c.confirmations {
		return fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
	}

	if req.Level == VerifyMinimal {
		return nil
	}
	return c.verifyStrict(tx, req)
}

func (c *Client) verifyStrict(tx *types.Transaction, req VerifyRequest) error {
	if tx.To() == nil || *tx.To() != req.Recipient {
		return fmt.Errorf("%w: recipient %v", ErrVerificationMismatch, tx.To())
	}
	if req.MinimumUnits != nil && tx.Value().Cmp(req.MinimumUnits) < 0 {
		return fmt.Errorf("%w: amount %s < required %s", ErrVerificationMismatch, tx.Value(), req.MinimumUnits)
	}
	if len(req.Memo) > 0 && string(tx.Data()) != string(req.Memo) {
		return fmt.Errorf("%w: memo does not bind payment to this job", ErrVerificationMismatch)
	}
	if req.ExpectedPayer != (common.Address{}) {
		sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
		if err != nil {
			return fmt.Errorf("recover sender: %w", err)
		}
		if sender != req.ExpectedPayer {
			return fmt.Errorf("%w: payer %s", ErrVerificationMismatch, sender.Hex())
		}
	}
	return nil
}

// classifySendError maps node errors onto the typed failure set.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%w: %v", ErrRejected, err)
}
