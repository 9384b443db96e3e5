// Package payment orchestrates payment minting before a forward call and
// change settlement after it.
//
// Mint and Settle bracket the upstream dispatch: Mint must succeed before the
// upstream is contacted (fail-closed — a caller is never charged for a call
// that was not dispatched), and Settle runs once the upstream response headers
// are known. Settlement failures are logged but never surfaced, because by
// then the primary response is already committed to the caller.
//
// There is no transaction tying the wallet call to the ledger writes: a crash
// between a successful receive and the corresponding append loses that record.
// That window is accepted here; a durable intent log would close it.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/otrta/ecash-gateway/internal/ledger"
	"github.com/otrta/ecash-gateway/internal/metrics"
	"github.com/otrta/ecash-gateway/internal/wallet"
)

// Upstream change signal headers. X-CHANGE-SATS carries an amount claim to
// redeem immediately; X-CHANGE-TOKEN + X-CHANGE-AMOUNT carry a leftover token
// banked as an unredeemed credit. The two pairs are independent and may both
// appear on one response.
const (
	HeaderChangeSats   = "X-CHANGE-SATS"
	HeaderChangeToken  = "X-CHANGE-TOKEN"
	HeaderChangeAmount = "X-CHANGE-AMOUNT"
)

// Attempt is the payment minted for a single forward call. It lives for the
// duration of that request only and is never persisted as-is; the ledger rows
// written during settlement are its durable trace.
type Attempt struct {
	Sats  int64
	Token string
}

// Mediator mints payment tokens and settles upstream change into the ledger.
type Mediator struct {
	wallet  wallet.Client
	store   ledger.Store
	pricer  Pricer
	log     *slog.Logger
	metrics *metrics.Registry
}

// Options holds optional Mediator dependencies.
type Options struct {
	// Pricer decides the per-call charge. Defaults to FixedPricer{DefaultPriceSats}.
	Pricer Pricer

	// Logger for settlement diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus counters. Nil disables them.
	Metrics *metrics.Registry
}

// NewMediator creates a Mediator writing to store and paying via w.
func NewMediator(w wallet.Client, store ledger.Store, opts Options) *Mediator {
	pricer := opts.Pricer
	if pricer == nil {
		pricer = FixedPricer{Sats: DefaultPriceSats}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Mediator{
		wallet:  w,
		store:   store,
		pricer:  pricer,
		log:     log,
		metrics: opts.Metrics,
	}
}

// Mint prices the call and mints a payment token for it. Called strictly
// before the upstream dispatch; on error the caller must abort the forward.
func (m *Mediator) Mint(ctx context.Context, req CostRequest) (*Attempt, error) {
	sats := m.pricer.EstimateCost(req)

	resp, err := m.wallet.Send(ctx, sats)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordMint("error", 0)
		}
		return nil, fmt.Errorf("payment: mint %d sats: %w", sats, err)
	}

	if m.metrics != nil {
		m.metrics.RecordMint("success", sats)
	}
	m.log.DebugContext(ctx, "payment_minted",
		slog.Int64("sats", sats),
		slog.Int64("wallet_balance", resp.Balance),
	)

	return &Attempt{Sats: sats, Token: resp.Token}, nil
}

// Settle reconciles the change signals on an upstream response into the
// ledger. It never returns an error: the response is already committed, so
// failures are logged and abandoned.
func (m *Mediator) Settle(ctx context.Context, attempt *Attempt, hdr http.Header) {
	if attempt == nil {
		return
	}

	if claim := hdr.Get(HeaderChangeSats); claim != "" {
		m.settleChange(ctx, attempt, claim)
	}

	changeToken := hdr.Get(HeaderChangeToken)
	changeAmount := hdr.Get(HeaderChangeAmount)
	if changeToken != "" && changeAmount != "" {
		m.bankCredit(ctx, changeToken, changeAmount)
	}
}

// settleChange redeems an amount claim and records both sides of the exchange:
// the token spent on the call and the change received back. Rows are written
// only after a successful receive — a failed redemption leaves no trace beyond
// the log line.
func (m *Mediator) settleChange(ctx context.Context, attempt *Attempt, claim string) {
	res, err := m.wallet.Receive(ctx, claim)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordSettlement("change_sats", "receive_failed")
		}
		m.log.ErrorContext(ctx, "settlement_receive_failed",
			slog.String("claim", claim),
			slog.String("error", err.Error()),
		)
		return
	}

	redeemed := res.Balance - res.InitialBalance

	if _, err := m.store.AppendTransaction(ctx,
		attempt.Token, strconv.FormatInt(attempt.Sats, 10), ledger.Outgoing); err != nil {
		m.log.ErrorContext(ctx, "settlement_ledger_write_failed",
			slog.String("direction", string(ledger.Outgoing)),
			slog.String("error", err.Error()),
		)
	} else if m.metrics != nil {
		m.metrics.RecordLedgerAppend("transaction_outgoing")
	}

	if _, err := m.store.AppendTransaction(ctx,
		claim, strconv.FormatInt(redeemed, 10), ledger.Incoming); err != nil {
		m.log.ErrorContext(ctx, "settlement_ledger_write_failed",
			slog.String("direction", string(ledger.Incoming)),
			slog.String("error", err.Error()),
		)
	} else if m.metrics != nil {
		m.metrics.RecordLedgerAppend("transaction_incoming")
	}

	if m.metrics != nil {
		m.metrics.RecordSettlement("change_sats", "success")
	}
	m.log.InfoContext(ctx, "settlement_complete",
		slog.Int64("charged_sats", attempt.Sats),
		slog.Int64("redeemed_sats", redeemed),
	)
}

// bankCredit stores a leftover change token as an unredeemed credit. The
// gateway never redeems it; an external sweep process does.
func (m *Mediator) bankCredit(ctx context.Context, token, amount string) {
	if _, err := m.store.AppendCredit(ctx, token, amount); err != nil {
		if m.metrics != nil {
			m.metrics.RecordSettlement("change_token", "ledger_write_failed")
		}
		m.log.ErrorContext(ctx, "credit_write_failed",
			slog.String("error", err.Error()),
		)
		return
	}

	if m.metrics != nil {
		m.metrics.RecordSettlement("change_token", "success")
		m.metrics.RecordLedgerAppend("credit")
	}
	m.log.InfoContext(ctx, "credit_banked", slog.String("amount", amount))
}
