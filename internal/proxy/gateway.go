// Package proxy is the payment-gated request forwarder.
//
// The Gateway receives an OpenAI-compatible request, resolves the configured
// upstream, mints an ecash payment token, dispatches the call with the token
// attached, relays the response body back to the caller, and hands the
// upstream change signals to the payment mediator for settlement.
//
// Key design constraints:
//   - Payment is fail-closed: if minting fails the upstream is never contacted.
//   - Settlement is fire-and-forget from the caller's perspective: once the
//     upstream response is committed, settlement failures are logged only.
//   - The body relay decouples the upstream read from the caller write through
//     a bounded buffer, so a slow caller exerts backpressure instead of
//     stalling behind an unbounded queue.
package proxy

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/otrta/ecash-gateway/internal/ledger"
	"github.com/otrta/ecash-gateway/internal/metrics"
	"github.com/otrta/ecash-gateway/internal/payment"
	"github.com/otrta/ecash-gateway/internal/settings"
	"github.com/otrta/ecash-gateway/internal/wallet"
	"github.com/otrta/ecash-gateway/pkg/apierr"
)

const (
	// headerPaymentSats carries the minted payment token to the upstream.
	headerPaymentSats = "X-PAYMENT-SATS"

	// relayBufferSize is the bounded chunk buffer between the upstream
	// reader and the caller writer. Once full, the reader suspends until
	// the caller drains — that bound is the backpressure mechanism.
	relayBufferSize = 100

	// streamTimeout caps a streaming upstream call. Long-lived event
	// streams must not be reaped by an idle-connection pool, so the
	// streaming client also runs with keep-alives disabled.
	streamTimeout = 300 * time.Second
)

// hopByHopHeaders must not be replayed to the caller: the relay re-frames the
// body, so upstream framing headers would lie. Checked case-insensitively.
var hopByHopHeaders = map[string]struct{}{
	"connection":        {},
	"transfer-encoding": {},
}

// forwardedRequestHeaders is the allowlist of inbound headers propagated to
// the upstream. Everything else — the inbound Authorization in particular —
// stays behind the gateway. Checked case-insensitively.
var forwardedRequestHeaders = map[string]struct{}{
	"accept": {},
}

// GatewayOptions holds optional tuning parameters for a Gateway.
type GatewayOptions struct {
	// Logger is the structured logger for request events and settlement
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// Version is reported by GET /health.
	Version string
}

// Gateway is the main forwarder — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	settings settings.Store
	payments *payment.Mediator
	wallet   wallet.Client
	ledger   ledger.Store

	log     *slog.Logger
	metrics *metrics.Registry
	version string

	// client serves non-streaming forwards: pooled, no timeout override.
	client *http.Client
	// streamClient serves streaming forwards: no idle pooling, 300s cap.
	streamClient *http.Client

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway over the given settings store, mediator,
// wallet client, and ledger store.
func NewGateway(st settings.Store, pm *payment.Mediator, w wallet.Client, lg ledger.Store, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		settings: st,
		payments: pm,
		wallet:   w,
		ledger:   lg,
		log:      log,
		metrics:  opts.Metrics,
		version:  version,
		client:   &http.Client{},
		streamClient: &http.Client{
			Timeout: streamTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		corsOrigins: []string{"*"},
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// forwardOptions selects the behavior of one forward call.
type forwardOptions struct {
	// route labels metrics and logs.
	route string
	// upstreamPath is appended to the configured endpoint, always in the
	// /v1/... form regardless of which alias the caller used.
	upstreamPath string
	// body, when non-nil, turns the upstream call into a JSON POST.
	body []byte
	// paymentRequired mints a token before dispatch and settles after.
	paymentRequired bool
	// streaming selects the dedicated streaming client and SSE defaults.
	streaming bool
}

// forward is the single dispatch path shared by paid calls and passthroughs.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, opts forwardOptions) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			// Duration covers time-to-headers; the body relay continues
			// after the handler returns.
			g.metrics.ObserveHTTP(opts.route, ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	// 1. Resolve the upstream. Without it, nothing else may happen.
	cfg, err := g.settings.Resolve(ctx)
	if err != nil {
		if !errors.Is(err, settings.ErrNotConfigured) {
			g.log.ErrorContext(ctx, "settings_resolve_failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		apierr.WriteConfigMissing(ctx)
		return
	}

	// 2. Build the upstream request.
	req, err := g.buildUpstreamRequest(ctx, cfg, opts)
	if err != nil {
		apierr.WriteGatewayError(ctx, "Error forwarding request: "+err.Error())
		return
	}

	// 3. Mint payment before any upstream contact.
	var attempt *payment.Attempt
	if opts.paymentRequired {
		attempt, err = g.payments.Mint(ctx, payment.CostRequest{
			Path:      opts.upstreamPath,
			Streaming: opts.streaming,
			BodyBytes: len(opts.body),
		})
		if err != nil {
			g.log.ErrorContext(ctx, "payment_mint_failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			apierr.WritePaymentError(ctx, "Failed to generate payment token: "+err.Error())
			return
		}
		req.Header.Set(headerPaymentSats, attempt.Token)
	}

	g.log.InfoContext(ctx, "forward",
		slog.String("request_id", reqID),
		slog.String("route", opts.route),
		slog.Bool("payment", opts.paymentRequired),
		slog.Bool("stream", opts.streaming),
	)

	// 4. Dispatch. No retry: the caller owns retries.
	client := g.client
	if opts.streaming {
		client = g.streamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveForward(opts.route, "network_error")
		}
		g.log.ErrorContext(ctx, "upstream_dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteGatewayError(ctx, "Error forwarding request: "+err.Error())
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveForward(opts.route, "success")
	}

	// 5. Mirror status and headers before the body starts moving.
	ctx.SetStatusCode(resp.StatusCode)
	copyResponseHeaders(ctx, resp.Header)
	if opts.streaming && resp.Header.Get("Content-Type") == "" {
		ctx.Response.Header.SetContentType("text/event-stream")
	}

	// 6. Settle change signals now that headers are known. The response is
	// committed, so settlement outcomes never reach the caller.
	if attempt != nil {
		g.payments.Settle(ctx, attempt, resp.Header)
	}

	// 7. Relay the body.
	g.relayBody(ctx, resp, reqID)
}

// buildUpstreamRequest assembles the outbound request: POST with JSON body or
// bare GET, the configured credential, and the single allowlisted inbound
// header. Inbound credentials never cross to the upstream.
func (g *Gateway) buildUpstreamRequest(ctx *fasthttp.RequestCtx, cfg *settings.Record, opts forwardOptions) (*http.Request, error) {
	url := strings.TrimRight(cfg.Endpoint, "/") + opts.upstreamPath

	var (
		req *http.Request
		err error
	)
	if opts.body != nil {
		req, err = http.NewRequest(http.MethodPost, url, strings.NewReader(string(opts.body)))
	} else {
		req, err = http.NewRequest(http.MethodGet, url, nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		if _, ok := forwardedRequestHeaders[strings.ToLower(string(key))]; ok {
			req.Header.Set(string(key), string(value))
		}
	})

	return req, nil
}

// copyResponseHeaders mirrors every upstream header except the hop-by-hop set;
// the relay re-frames the body, so upstream framing must not leak through.
func copyResponseHeaders(ctx *fasthttp.RequestCtx, hdr http.Header) {
	for name, values := range hdr {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		for _, v := range values {
			ctx.Response.Header.Add(name, v)
		}
	}
}

// relayChunk is one item moving through the relay buffer: body bytes or a
// terminal read error.
type relayChunk struct {
	data []byte
	err  error
}

// relayBody streams resp.Body to the caller through a bounded channel.
//
// One goroutine reads upstream chunks and pushes them into the channel; the
// fasthttp body stream writer drains it. When the caller disconnects the
// writer closes done, and the producer exits on its next send attempt —
// cooperative cancellation, not preemptive. An upstream read error is
// forwarded as a terminal item and ends the stream; it is not retried.
func (g *Gateway) relayBody(ctx *fasthttp.RequestCtx, resp *http.Response, reqID string) {
	ch := make(chan relayChunk, relayBufferSize)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- relayChunk{data: data}:
				case <-done:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- relayChunk{err: err}:
					case <-done:
					}
				}
				return
			}
		}
	}()

	log := g.log
	reg := g.metrics

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer close(done)

		chunks := 0
		defer func() {
			if reg != nil {
				reg.AddRelayChunks(chunks)
			}
		}()

		for chunk := range ch {
			if chunk.err != nil {
				// Terminal error: the stream ends here, truncated.
				log.Error("upstream_read_failed",
					slog.String("request_id", reqID),
					slog.String("error", chunk.err.Error()),
				)
				return
			}
			if _, err := w.Write(chunk.data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
			chunks++
		}
	})
}
