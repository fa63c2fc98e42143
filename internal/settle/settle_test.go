package settle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/agenttrade/gateway/internal/gate"
	"github.com/agenttrade/gateway/internal/ledger"
	"github.com/agenttrade/gateway/internal/pricing"
	"github.com/agenttrade/gateway/internal/vault"
)

// ── Mocks ─────────────────────────────────────────────────────────────────────

type mockLedger struct {
	mu         sync.Mutex
	payErr     error
	paySig     string
	verifyErr  error
	verified   []ledger.VerifyRequest
	paid       []ledger.PayRequest
	// boundMemo, when set, rejects any verify whose memo differs.
	boundMemo string
}

func (m *mockLedger) Pay(_ context.Context, req ledger.PayRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payErr != nil {
		return "", m.payErr
	}
	m.paid = append(m.paid, req)
	if m.paySig == "" {
		return "0xserversigned", nil
	}
	return m.paySig, nil
}

func (m *mockLedger) Verify(_ context.Context, req ledger.VerifyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verified = append(m.verified, req)
	if m.verifyErr != nil {
		return m.verifyErr
	}
	if m.boundMemo != "" && string(req.Memo) != m.boundMemo {
		return fmt.Errorf("%w: memo %q", ledger.ErrVerificationMismatch, req.Memo)
	}
	return nil
}

type mockPrices struct {
	price float64
	err   error
}

func (m *mockPrices) Price(_ context.Context, token pricing.Token) (float64, error) {
	if token.Pegged {
		return 1.0, nil
	}
	if m.err != nil {
		return 0, m.err
	}
	return m.price, nil
}

const (
	testRecipient = "0x1111111111111111111111111111111111111111"
	testTreasury  = "0x2222222222222222222222222222222222222222"
)

var testToken = pricing.Token{Symbol: "TST", Decimals: 9, FeedID: "test"}

func newTestOrchestrator(t *testing.T, l Ledger) (*Orchestrator, vault.Vault) {
	t.Helper()
	g, err := gate.New("orchestrator-test-secret")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	v := vault.NewMemoryVault(zap.NewNop())
	o := NewOrchestrator(v, &mockPrices{price: 100.0}, l, g, Options{
		Rates:       pricing.Rates{InputPerMillionUSD: 2.50, OutputPerMillionUSD: 10.00},
		FeeBps:      500,
		Recipient:   testRecipient,
		Treasury:    testTreasury,
		ChainID:     16601,
		JobTTL:      10 * time.Minute,
		VerifyLevel: ledger.VerifyStrict,
	}, zap.NewNop())
	return o, v
}

const pricedResult = `{"text":"answer","usage":{"input_tokens":1000,"output_tokens":500}}`

func mustChallenge(t *testing.T, o *Orchestrator) *Challenge {
	t.Helper()
	ch, raw, err := o.CreateChallenge(context.Background(), ChallengeRequest{
		Result: []byte(pricedResult),
		Token:  testToken,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch == nil {
		t.Fatalf("expected a challenge, got pass-through %q", raw)
	}
	return ch
}

// ── Challenge creation ────────────────────────────────────────────────────────

func TestCreateChallengeQuote(t *testing.T) {
	o, v := newTestOrchestrator(t, &mockLedger{})
	ch := mustChallenge(t, o)

	if ch.AmountUnits != "75000" || ch.FeeUnits != "3750" {
		t.Errorf("challenge amounts = %s / %s, want 75000 / 3750", ch.AmountUnits, ch.FeeUnits)
	}
	if ch.Memo != "job:"+ch.JobID {
		t.Errorf("memo = %q, want job:%s", ch.Memo, ch.JobID)
	}
	if ch.Recipient != testRecipient || ch.FeeTreasury != testTreasury {
		t.Errorf("challenge routing = %s / %s", ch.Recipient, ch.FeeTreasury)
	}

	// The locked job holds the sealed payload, not the plaintext.
	job, err := v.Peek(context.Background(), ch.JobID)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if bytes.Contains(job.Payload, []byte("answer")) {
		t.Error("vaulted payload is not sealed")
	}
}

func TestCreateChallengeUnpricedPassThrough(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockLedger{})
	body := []byte(`{"text":"free of charge"}`)

	ch, raw, err := o.CreateChallenge(context.Background(), ChallengeRequest{Result: body, Token: testToken})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch != nil {
		t.Errorf("challenge issued for untracked work: %+v", ch)
	}
	if !bytes.Equal(raw, body) {
		t.Errorf("pass-through = %q", raw)
	}
}

func TestCreateChallengeZeroCostPassThrough(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockLedger{})
	body := []byte(`{"usage":{"input_tokens":0,"output_tokens":0}}`)

	ch, raw, err := o.CreateChallenge(context.Background(), ChallengeRequest{Result: body, Token: testToken})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch != nil || raw == nil {
		t.Errorf("zero-cost work must pass through, got challenge %+v", ch)
	}
}

func TestCreateChallengeSeparateUsage(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockLedger{})
	ch, _, err := o.CreateChallenge(context.Background(), ChallengeRequest{
		Result: []byte("plain text result"),
		Usage:  map[string]any{"input_tokens": 1000, "output_tokens": 500},
		Token:  testToken,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch == nil || ch.AmountUnits != "75000" {
		t.Errorf("challenge = %+v, want 75000 units", ch)
	}
}

func TestCreateChallengePriceUnavailable(t *testing.T) {
	g, _ := gate.New("s")
	v := vault.NewMemoryVault(zap.NewNop())
	o := NewOrchestrator(v, &mockPrices{err: pricing.ErrPriceUnavailable}, &mockLedger{}, g, Options{
		Rates:  pricing.Rates{InputPerMillionUSD: 2.50, OutputPerMillionUSD: 10.00},
		FeeBps: 500, Recipient: testRecipient, Treasury: testTreasury,
		JobTTL: time.Minute,
	}, zap.NewNop())

	_, _, err := o.CreateChallenge(context.Background(), ChallengeRequest{
		Result: []byte(pricedResult),
		Token:  testToken,
	})
	if !errors.Is(err, pricing.ErrPriceUnavailable) {
		t.Errorf("err = %v, want ErrPriceUnavailable", err)
	}
}

// ── Settlement ────────────────────────────────────────────────────────────────

func TestSettleVerifyReleases(t *testing.T) {
	ml := &mockLedger{}
	o, _ := newTestOrchestrator(t, ml)
	ch := mustChallenge(t, o)

	res, err := o.Settle(context.Background(), ch.JobID, Proof{Signature: "0xpaidtx"})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.Status != StatusPaid {
		t.Errorf("status = %v, want paid", res.Status)
	}
	if !bytes.Equal(res.Response, []byte(pricedResult)) {
		t.Errorf("revealed response = %q", res.Response)
	}

	// The quote's recipient share and memo were handed to verification.
	req := ml.verified[0]
	if string(req.Memo) != ch.Memo {
		t.Errorf("verified memo %q, want %q", req.Memo, ch.Memo)
	}
	if req.MinimumUnits.String() != "71250" {
		t.Errorf("verified minimum = %s, want 71250", req.MinimumUnits)
	}
}

func TestSettleServerSignsReleases(t *testing.T) {
	ml := &mockLedger{}
	o, _ := newTestOrchestrator(t, ml)
	ch := mustChallenge(t, o)

	res, err := o.Settle(context.Background(), ch.JobID, Proof{PayerKeyHex: "deadbeef"})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.Status != StatusPaid || res.Signature != "0xserversigned" {
		t.Errorf("result = %+v", res)
	}
	pay := ml.paid[0]
	if pay.RecipientUnits.String() != "71250" || pay.FeeUnits.String() != "3750" {
		t.Errorf("pay split %s / %s", pay.RecipientUnits, pay.FeeUnits)
	}
	if string(pay.Memo) != ch.Memo {
		t.Errorf("pay memo %q", pay.Memo)
	}
}

func TestSettleIdempotence(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockLedger{})
	ch := mustChallenge(t, o)
	ctx := context.Background()

	if _, err := o.Settle(ctx, ch.JobID, Proof{Signature: "0xpaidtx"}); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	_, err := o.Settle(ctx, ch.JobID, Proof{Signature: "0xpaidtx"})
	if !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("second Settle err = %v, want ErrAlreadySettled", err)
	}
}

func TestSettleVerifyFailureKeepsJobLocked(t *testing.T) {
	ml := &mockLedger{verifyErr: ledger.ErrVerificationMismatch}
	o, v := newTestOrchestrator(t, ml)
	ch := mustChallenge(t, o)
	ctx := context.Background()

	res, err := o.Settle(ctx, ch.JobID, Proof{Signature: "0xwrongtx"})
	if !errors.Is(err, ledger.ErrVerificationMismatch) {
		t.Fatalf("err = %v, want ErrVerificationMismatch", err)
	}
	if res == nil || res.Status != StatusFailed {
		t.Errorf("result = %+v, want failed", res)
	}

	// Still locked: a corrected proof settles it.
	if _, err := v.Peek(ctx, ch.JobID); err != nil {
		t.Fatalf("job gone after failed verify: %v", err)
	}
	ml.mu.Lock()
	ml.verifyErr = nil
	ml.mu.Unlock()
	if _, err := o.Settle(ctx, ch.JobID, Proof{Signature: "0xrighttx"}); err != nil {
		t.Fatalf("retry Settle: %v", err)
	}
}

func TestSettleWrongJobSignatureDoesNotRelease(t *testing.T) {
	// Two live jobs; the proof's memo binds it to job A only.
	ml := &mockLedger{}
	o, _ := newTestOrchestrator(t, ml)
	chA := mustChallenge(t, o)
	chB := mustChallenge(t, o)
	ctx := context.Background()

	ml.mu.Lock()
	ml.boundMemo = chA.Memo
	ml.mu.Unlock()

	if _, err := o.Settle(ctx, chB.JobID, Proof{Signature: "0xforjobA"}); !errors.Is(err, ledger.ErrVerificationMismatch) {
		t.Fatalf("settling B with A's payment: err = %v, want ErrVerificationMismatch", err)
	}
	if _, err := o.Settle(ctx, chA.JobID, Proof{Signature: "0xforjobA"}); err != nil {
		t.Fatalf("settling A with its own payment: %v", err)
	}
}

func TestSettleRecordedPayerCannotBeOverridden(t *testing.T) {
	recorded := "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	attacker := "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

	ml := &mockLedger{}
	o, _ := newTestOrchestrator(t, ml)
	ch, _, err := o.CreateChallenge(context.Background(), ChallengeRequest{
		Result: []byte(pricedResult),
		Token:  testToken,
		Payer:  recorded,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	if _, err := o.Settle(context.Background(), ch.JobID, Proof{
		Signature:    "0xtheirowntx",
		PayerAddress: attacker,
	}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	got := ml.verified[0].ExpectedPayer
	if got != common.HexToAddress(recorded) {
		t.Errorf("verified payer = %s, want the recorded %s", got.Hex(), recorded)
	}
}

func TestSettleAnonymousChallengeUsesSuppliedPayer(t *testing.T) {
	supplied := "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
	ml := &mockLedger{}
	o, _ := newTestOrchestrator(t, ml)
	ch := mustChallenge(t, o)

	if _, err := o.Settle(context.Background(), ch.JobID, Proof{
		Signature:    "0xtx",
		PayerAddress: supplied,
	}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if got := ml.verified[0].ExpectedPayer; got != common.HexToAddress(supplied) {
		t.Errorf("verified payer = %s, want %s", got.Hex(), supplied)
	}
}

func TestSettleNoProof(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockLedger{})
	ch := mustChallenge(t, o)
	if _, err := o.Settle(context.Background(), ch.JobID, Proof{}); !errors.Is(err, ErrNoProof) {
		t.Errorf("err = %v, want ErrNoProof", err)
	}
}

func TestSettleUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockLedger{})
	if _, err := o.Settle(context.Background(), "nope", Proof{Signature: "0xtx"}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestSettleTimeoutSurfacesRetryable(t *testing.T) {
	ml := &mockLedger{verifyErr: ledger.ErrTimeout}
	o, v := newTestOrchestrator(t, ml)
	ch := mustChallenge(t, o)

	_, err := o.Settle(context.Background(), ch.JobID, Proof{Signature: "0xslowtx"})
	if !errors.Is(err, ledger.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// The job survives so the same proof can be retried once confirmed.
	if _, err := v.Peek(context.Background(), ch.JobID); err != nil {
		t.Errorf("job gone after timeout: %v", err)
	}
}

func TestSettleConcurrentSingleWinner(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockLedger{})
	ch := mustChallenge(t, o)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var paid, taken int
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Settle(ctx, ch.JobID, Proof{Signature: "0xpaidtx"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Status == StatusPaid:
				paid++
			case errors.Is(err, ErrAlreadySettled):
				taken++
			default:
				t.Errorf("unexpected settle outcome: %v %v", res, err)
			}
		}()
	}
	wg.Wait()

	if paid != 1 {
		t.Errorf("paid winners = %d, want exactly 1", paid)
	}
	if taken != n-1 {
		t.Errorf("already-settled losers = %d, want %d", taken, n-1)
	}
}
