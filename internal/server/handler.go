// Package server exposes the settlement core over HTTP. The trade endpoint
// answers 402 with a payment challenge; settle resolves the challenge and
// streams back the revealed response.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenttrade/gateway/internal/auth"
	"github.com/agenttrade/gateway/internal/ledger"
	"github.com/agenttrade/gateway/internal/pricing"
	"github.com/agenttrade/gateway/internal/settle"
	"github.com/agenttrade/gateway/internal/vault"
)

// PaymentInfo is the static payment metadata served on /v1/payment/info.
type PaymentInfo struct {
	Recipient  string        `json:"recipient"`
	Treasury   string        `json:"fee_treasury"`
	ChainID    int64         `json:"chain_id"`
	FeePercent float64       `json:"fee_percent"`
	Rates      pricing.Rates `json:"rates"`
	Tokens     []TokenInfo   `json:"tokens"`
}

type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Pegged   bool   `json:"pegged"`
}

// Handler wires the settlement routes onto a Gin engine.
type Handler struct {
	orch   *settle.Orchestrator
	prices settle.PriceSource
	info   PaymentInfo
	native pricing.Token
	stable pricing.Token
	log    *zap.Logger
}

func NewHandler(orch *settle.Orchestrator, prices settle.PriceSource, info PaymentInfo, native, stable pricing.Token, log *zap.Logger) *Handler {
	info.Tokens = []TokenInfo{
		{Symbol: native.Symbol, Decimals: native.Decimals},
		{Symbol: stable.Symbol, Decimals: stable.Decimals, Pegged: true},
	}
	return &Handler{orch: orch, prices: prices, info: info, native: native, stable: stable, log: log}
}

// Register mounts all routes. Wallet identity middleware should already be
// applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/agent/trade", h.handleTrade)
	rg.POST("/agent/settle", h.handleSettle)
	rg.GET("/token/price/:token", h.handlePrice)
	rg.GET("/payment/info", h.handleInfo)
}

// ── Trade ──────────────────────────────────────────────────────────────────

type tradeRequest struct {
	Result     json.RawMessage `json:"result"`
	Usage      map[string]any  `json:"usage,omitempty"`
	Rates      *pricing.Rates  `json:"rates,omitempty"`
	Token      string          `json:"token,omitempty"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

func (h *Handler) handleTrade(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Result) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "result is required"})
		return
	}

	token, err := pricing.ParseToken(req.Token, h.native.Decimals, h.stable.Decimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	challenge, raw, err := h.orch.CreateChallenge(c.Request.Context(), settle.ChallengeRequest{
		Result: req.Result,
		Usage:  req.Usage,
		Rates:  req.Rates,
		Token:  token,
		TTL:    secondsToDuration(req.TTLSeconds),
		Payer:  c.GetString(auth.WalletKey),
	})
	if err != nil {
		if errors.Is(err, pricing.ErrPriceUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("trade challenge failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Untracked or zero-cost work passes through unpriced.
	if challenge == nil {
		c.Data(http.StatusOK, "application/json", raw)
		return
	}
	c.JSON(http.StatusPaymentRequired, challenge)
}

// ── Settle ─────────────────────────────────────────────────────────────────

type settleRequest struct {
	JobID        string `json:"job_id"`
	PayerKey     string `json:"payer_key,omitempty"`
	TxSignature  string `json:"tx_signature,omitempty"`
	PayerAddress string `json:"payer_address,omitempty"`
}

func (h *Handler) handleSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}

	result, err := h.orch.Settle(c.Request.Context(), req.JobID, settle.Proof{
		PayerKeyHex:  req.PayerKey,
		Signature:    req.TxSignature,
		PayerAddress: req.PayerAddress,
	})
	if err != nil {
		h.writeSettleError(c, req.JobID, result, err)
		return
	}

	var response any
	if json.Valid(result.Response) {
		response = json.RawMessage(result.Response)
	} else {
		response = string(result.Response)
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":       result.JobID,
		"status":       result.Status.String(),
		"tx_signature": result.Signature,
		"response":     response,
	})
}

// writeSettleError maps the settlement error taxonomy onto HTTP statuses.
// The distinction the caller cares most about is 402-retryable versus
// terminal: a timeout explicitly says the payment may have landed.
func (h *Handler) writeSettleError(c *gin.Context, jobID string, result *settle.Result, err error) {
	switch {
	case errors.Is(err, settle.ErrJobNotFound), errors.Is(err, vault.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "job_id": jobID})
	case errors.Is(err, settle.ErrJobExpired), errors.Is(err, vault.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "job expired", "job_id": jobID, "status": settle.StatusExpired.String()})
	case errors.Is(err, settle.ErrAlreadySettled), errors.Is(err, vault.ErrAlreadyTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "job already settled", "job_id": jobID})
	case errors.Is(err, settle.ErrNoProof):
		c.JSON(http.StatusBadRequest, gin.H{"error": "payer_key or tx_signature is required"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error(), "job_id": jobID})
	case errors.Is(err, ledger.ErrTxNotFound),
		errors.Is(err, ledger.ErrVerificationMismatch),
		errors.Is(err, ledger.ErrRejected):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error(), "job_id": jobID, "retryable": true})
	case errors.Is(err, ledger.ErrTimeout):
		detail := ""
		if result != nil {
			detail = result.Signature
		}
		c.JSON(http.StatusAccepted, gin.H{
			"error":        err.Error(),
			"job_id":       jobID,
			"tx_signature": detail,
			"retryable":    true,
		})
	default:
		h.log.Error("settle failed", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ── Price / info ───────────────────────────────────────────────────────────

func (h *Handler) handlePrice(c *gin.Context) {
	token, err := pricing.ParseToken(c.Param("token"), h.native.Decimals, h.stable.Decimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := h.prices.Price(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	source := "feed"
	if token.Pegged {
		source = "pegged"
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token.Symbol,
		"price_usd": price,
		"source":    source,
	})
}

func (h *Handler) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}

func secondsToDuration(sec int64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}
