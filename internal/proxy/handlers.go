package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/otrta/ecash-gateway/internal/ledger"
	"github.com/otrta/ecash-gateway/internal/settings"
	"github.com/otrta/ecash-gateway/pkg/apierr"
)

// handleGetServerConfig returns the active upstream configuration. An
// unconfigured gateway returns empty fields rather than an error so the admin
// UI can render the form either way.
func (g *Gateway) handleGetServerConfig(ctx *fasthttp.RequestCtx) {
	rec, err := g.settings.Resolve(ctx)
	if err != nil {
		if errors.Is(err, settings.ErrNotConfigured) {
			writeJSON(ctx, settings.ServerConfig{})
			return
		}
		apierr.WriteGatewayError(ctx, "Failed to load server configuration: "+err.Error())
		return
	}

	writeJSON(ctx, rec.Config())
}

// handleUpdateServerConfig creates or updates the upstream configuration.
func (g *Gateway) handleUpdateServerConfig(ctx *fasthttp.RequestCtx) {
	var cfg settings.ServerConfig
	if err := json.Unmarshal(ctx.PostBody(), &cfg); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if cfg.Endpoint == "" {
		apierr.WriteInvalidRequest(ctx, "endpoint is required")
		return
	}

	rec, err := g.settings.Upsert(ctx, cfg)
	if err != nil {
		apierr.WriteGatewayError(ctx, "Failed to save server configuration: "+err.Error())
		return
	}

	g.log.InfoContext(ctx, "server_config_updated",
		slog.String("config_id", rec.ID),
		slog.String("endpoint", rec.Endpoint),
	)
	writeJSON(ctx, rec)
}

// handleListTransactions returns settled transactions, newest first.
func (g *Gateway) handleListTransactions(ctx *fasthttp.RequestCtx) {
	list, err := g.ledger.ListTransactions(ctx, pageRequest(ctx))
	if err != nil {
		apierr.WriteGatewayError(ctx, "Failed to list transactions: "+err.Error())
		return
	}
	writeJSON(ctx, list)
}

// handleListCredits returns banked credits, oldest first so a sweep process
// can work through them in arrival order.
func (g *Gateway) handleListCredits(ctx *fasthttp.RequestCtx) {
	list, err := g.ledger.ListCredits(ctx, pageRequest(ctx))
	if err != nil {
		apierr.WriteGatewayError(ctx, "Failed to list credits: "+err.Error())
		return
	}
	writeJSON(ctx, list)
}

// pageRequest reads the page/pageSize query parameters. Missing or malformed
// values fall back to the defaults during normalization.
func pageRequest(ctx *fasthttp.RequestCtx) ledger.PageRequest {
	page, _ := strconv.ParseInt(string(ctx.QueryArgs().Peek("page")), 10, 64)
	size, _ := strconv.ParseInt(string(ctx.QueryArgs().Peek("pageSize")), 10, 64)
	return ledger.PageRequest{Page: page, PageSize: size}
}

// balancePayload is the wallet balance response body.
type balancePayload struct {
	Balance string `json:"balance"`
}

// handleWalletBalance reports the wallet's current balance in sats.
func (g *Gateway) handleWalletBalance(ctx *fasthttp.RequestCtx) {
	res, err := g.wallet.Balance(ctx)
	if err != nil {
		apierr.WritePaymentError(ctx, "Failed to fetch wallet balance: "+err.Error())
		return
	}
	writeJSON(ctx, balancePayload{Balance: strconv.FormatInt(res.Balance, 10)})
}

// redeemRequest and redeemResponse are the manual token redemption payloads.
type redeemRequest struct {
	Token string `json:"token"`
}

type redeemResponse struct {
	Amount  string `json:"amount,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// handleRedeemToken redeems an ecash token into the wallet on demand. Unlike
// settlement this is operator-initiated, so a failed receive is reported back
// instead of being swallowed.
func (g *Gateway) handleRedeemToken(ctx *fasthttp.RequestCtx) {
	var req redeemRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Token == "" {
		apierr.WriteInvalidRequest(ctx, "token is required")
		return
	}

	res, err := g.wallet.Receive(ctx, req.Token)
	if err != nil {
		g.log.ErrorContext(ctx, "manual_redeem_failed",
			slog.String("error", err.Error()),
		)
		writeJSON(ctx, redeemResponse{Success: false, Message: err.Error()})
		return
	}

	redeemed := res.Balance - res.InitialBalance
	g.log.InfoContext(ctx, "manual_redeem", slog.Int64("sats", redeemed))
	writeJSON(ctx, redeemResponse{
		Amount:  strconv.FormatInt(redeemed, 10),
		Success: true,
	})
}
