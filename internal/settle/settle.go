// Package settle drives a job through its payment lifecycle: a priced
// challenge is created and locked, a payment proof moves it through
// settling, and the outcome either releases the sealed response or leaves
// the job locked for another attempt.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrade/gateway/internal/gate"
	"github.com/agenttrade/gateway/internal/ledger"
	"github.com/agenttrade/gateway/internal/pricing"
	"github.com/agenttrade/gateway/internal/usage"
	"github.com/agenttrade/gateway/internal/vault"
)

var (
	// ErrJobNotFound means no job is locked under the given id.
	ErrJobNotFound = errors.New("settlement job not found")
	// ErrJobExpired means the job's payment window closed before a valid
	// payment arrived.
	ErrJobExpired = errors.New("settlement job expired")
	// ErrAlreadySettled means the job was released by an earlier settle.
	ErrAlreadySettled = errors.New("settlement job already settled")
	// ErrNoProof means the settle request carried neither a payer key nor
	// a transaction signature.
	ErrNoProof = errors.New("no payment proof supplied")
)

// Status is the externally visible settlement state of a job.
type Status int

const (
	StatusPaid Status = iota
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPaid:
		return "paid"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Ledger is the payment execution and verification surface the
// orchestrator depends on.
type Ledger interface {
	Pay(ctx context.Context, req ledger.PayRequest) (string, error)
	Verify(ctx context.Context, req ledger.VerifyRequest) error
}

// PriceSource yields the USD price for a payment token.
type PriceSource interface {
	Price(ctx context.Context, token pricing.Token) (float64, error)
}

// Challenge is the payment-required response for one locked job. It tells
// the caller exactly what to pay, where, and how to bind the payment.
type Challenge struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`

	Token          string  `json:"token"`
	AmountUnits    string  `json:"amount_units"`
	AmountDisplay  float64 `json:"amount"`
	Recipient      string  `json:"recipient"`
	FeeUnits       string  `json:"fee_units"`
	FeeTreasury    string  `json:"fee_treasury"`
	FeeBps         int64   `json:"fee_bps"`
	UnitPriceUSD   float64 `json:"unit_price_usd"`
	USDCost        float64 `json:"usd_cost"`
	Memo           string  `json:"memo"`
	ExpiresInSec   int64   `json:"expires_in_sec"`
	ChainID        int64   `json:"chain_id"`
	PaymentOptions string  `json:"payment_options"`
}

// Result is the outcome of one settle attempt.
type Result struct {
	JobID     string `json:"job_id"`
	Status    Status `json:"status"`
	Signature string `json:"tx_signature,omitempty"`
	// Response is the revealed payload, present only when Status is paid.
	Response []byte `json:"-"`
	Detail   string `json:"detail,omitempty"`
}

// Proof is the caller's evidence of payment: either a signing key for the
// server-signs mode or a finished transaction signature for verification.
type Proof struct {
	PayerKeyHex string
	Signature   string
	// PayerAddress, when set, must match the transaction sender under
	// strict verification.
	PayerAddress string
}

// Options configures the orchestrator.
type Options struct {
	Rates       pricing.Rates
	FeeBps      int64
	Recipient   string
	Treasury    string
	ChainID     int64
	JobTTL      time.Duration
	VerifyLevel ledger.VerifyLevel
}

// Orchestrator owns the job lifecycle from challenge to release.
type Orchestrator struct {
	vault  vault.Vault
	prices PriceSource
	ledger Ledger
	gate   *gate.Gate
	opts   Options
	log    *zap.Logger

	now func() time.Time
}

func NewOrchestrator(v vault.Vault, prices PriceSource, l Ledger, g *gate.Gate, opts Options, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		vault:  v,
		prices: prices,
		ledger: l,
		gate:   g,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

// memoFor is the calldata convention binding a payment to its job.
func memoFor(jobID string) string {
	return "job:" + jobID
}

// ChallengeRequest is one finished piece of agent work to lock behind a
// payment. Usage may be reported separately or embedded in the result; a
// nil Rates falls back to the configured defaults.
type ChallengeRequest struct {
	Result []byte
	Usage  map[string]any
	Rates  *pricing.Rates
	Token  pricing.Token
	TTL    time.Duration
	// Payer, when set, is the only wallet whose payment settles the job.
	Payer string
}

// CreateChallenge prices a finished response, seals it, locks it in the
// vault and returns the payment challenge. A response whose usage cannot
// be normalized is free: the raw payload comes back with a nil challenge.
func (o *Orchestrator) CreateChallenge(ctx context.Context, req ChallengeRequest) (*Challenge, []byte, error) {
	usageData := req.Usage
	if usageData == nil {
		// No explicit report; the result itself may carry one.
		var embedded map[string]any
		if err := json.Unmarshal(req.Result, &embedded); err == nil {
			usageData = embedded
		}
	}

	report, err := usage.Parse(usageData)
	if err != nil {
		if errors.Is(err, usage.ErrUsageNotFound) {
			o.log.Debug("no usage metadata in response, passing through unpriced")
			return nil, req.Result, nil
		}
		return nil, nil, fmt.Errorf("normalize usage: %w", err)
	}

	price, err := o.prices.Price(ctx, req.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("price %s: %w", req.Token.Symbol, err)
	}

	rates := o.opts.Rates
	if req.Rates != nil {
		rates = *req.Rates
	}
	ttl := o.opts.JobTTL
	if req.TTL > 0 {
		ttl = req.TTL
	}

	quote := pricing.Compute(report, rates, req.Token, price, o.opts.FeeBps)
	if quote.PayoutTotalUnits.Sign() == 0 {
		// Nothing owed; do not hold the response hostage over zero.
		return nil, req.Result, nil
	}

	sealed, err := o.gate.Seal(req.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("seal response: %w", err)
	}

	jobID := uuid.NewString()
	job := &vault.Job{
		ID:        jobID,
		Payload:   sealed,
		Quote:     quote,
		Recipient: o.opts.Recipient,
		Treasury:  o.opts.Treasury,
		Payer:     req.Payer,
		Memo:      memoFor(jobID),
	}
	if err := o.vault.Lock(ctx, job, ttl); err != nil {
		return nil, nil, fmt.Errorf("lock job: %w", err)
	}

	o.log.Info("payment challenge issued",
		zap.String("job_id", jobID),
		zap.String("token", quote.Token),
		zap.String("amount_units", quote.PayoutTotalUnits.String()),
		zap.Float64("usd_cost", quote.USDCost),
	)

	return &Challenge{
		JobID:          jobID,
		Message:        "payment required to release response",
		Token:          quote.Token,
		AmountUnits:    quote.PayoutTotalUnits.String(),
		AmountDisplay:  pricing.DisplayAmount(quote.PayoutTotalUnits, quote.Decimals),
		Recipient:      o.opts.Recipient,
		FeeUnits:       quote.FeeUnits.String(),
		FeeTreasury:    o.opts.Treasury,
		FeeBps:         quote.FeeBps,
		UnitPriceUSD:   quote.UnitPriceUSD,
		USDCost:        quote.USDCost,
		Memo:           memoFor(jobID),
		ExpiresInSec:   int64(ttl / time.Second),
		ChainID:        o.opts.ChainID,
		PaymentOptions: "payer_key|tx_signature",
	}, nil, nil
}

// Settle resolves one payment attempt for a locked job. On a verified or
// executed payment the job is taken exactly once and the sealed response
// revealed; a failed verification leaves the job locked so the caller can
// retry with a correct proof.
func (o *Orchestrator) Settle(ctx context.Context, jobID string, proof Proof) (*Result, error) {
	job, err := o.vault.Peek(ctx, jobID)
	if err != nil {
		return nil, o.mapVaultErr(jobID, err)
	}

	var signature string
	switch {
	case strings.TrimSpace(proof.PayerKeyHex) != "":
		signature, err = o.ledger.Pay(ctx, ledger.PayRequest{
			PayerKeyHex:    proof.PayerKeyHex,
			Recipient:      common.HexToAddress(job.Recipient),
			Treasury:       common.HexToAddress(job.Treasury),
			RecipientUnits: job.Quote.RecipientUnits,
			FeeUnits:       job.Quote.FeeUnits,
			Memo:           []byte(job.Memo),
		})
	case strings.TrimSpace(proof.Signature) != "":
		signature = strings.TrimSpace(proof.Signature)
		// The payer recorded at challenge time is authoritative; a
		// settler-supplied address only fills in for anonymous challenges.
		expected := proof.PayerAddress
		if job.Payer != "" {
			expected = job.Payer
		}
		err = o.ledger.Verify(ctx, ledger.VerifyRequest{
			Signature:     signature,
			Level:         o.opts.VerifyLevel,
			Recipient:     common.HexToAddress(job.Recipient),
			MinimumUnits:  job.Quote.RecipientUnits,
			Memo:          []byte(job.Memo),
			ExpectedPayer: common.HexToAddress(expected),
		})
	default:
		return nil, ErrNoProof
	}

	if err != nil {
		// The job stays locked; whether this attempt is retryable is in
		// the error itself (timeout vs rejected vs mismatch).
		o.log.Warn("settlement attempt failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return &Result{
			JobID:     jobID,
			Status:    StatusFailed,
			Signature: signature,
			Detail:    err.Error(),
		}, err
	}

	// Payment cleared: take the job. Exactly one concurrent settle wins
	// the take; the rest observe the tombstone.
	taken, err := o.vault.Take(ctx, jobID)
	if err != nil {
		return nil, o.mapVaultErr(jobID, err)
	}

	response, err := o.gate.Reveal(taken.Payload, true, signature)
	if err != nil {
		return nil, fmt.Errorf("reveal response: %w", err)
	}

	o.log.Info("settlement released",
		zap.String("job_id", jobID),
		zap.String("tx", signature),
		zap.String("amount_units", taken.Quote.PayoutTotalUnits.String()),
	)

	return &Result{
		JobID:     jobID,
		Status:    StatusPaid,
		Signature: signature,
		Response:  response,
	}, nil
}

func (o *Orchestrator) mapVaultErr(jobID string, err error) error {
	switch {
	case errors.Is(err, vault.ErrExpired):
		return fmt.Errorf("%w: %s", ErrJobExpired, jobID)
	case errors.Is(err, vault.ErrAlreadyTaken):
		return fmt.Errorf("%w: %s", ErrAlreadySettled, jobID)
	case errors.Is(err, vault.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	default:
		return fmt.Errorf("vault: %w", err)
	}
}
