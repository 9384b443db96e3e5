package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/otrta/ecash-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// Paid forwarding routes. Both the bare and /v1 aliases map to the
	// /v1/... upstream path.
	r.POST("/chat/completions", g.handleChatCompletions)
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/embeddings", g.handleEmbeddings)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.POST("/images/generations", g.handleImageGenerations)
	r.POST("/v1/images/generations", g.handleImageGenerations)

	// Unpaid passthroughs.
	r.GET("/models", g.handleListModels)
	r.GET("/v1/models", g.handleListModels)
	r.GET("/models/{id}", g.handleGetModel)
	r.GET("/v1/models/{id}", g.handleGetModel)

	// Admin surface.
	r.GET("/api/openai-models", g.handleListModels)
	r.GET("/api/server-config", g.handleGetServerConfig)
	r.POST("/api/server-config", g.handleUpdateServerConfig)
	r.GET("/api/credits", g.handleListCredits)
	r.GET("/api/transactions", g.handleListTransactions)
	r.GET("/api/wallet/balance", g.handleWalletBalance)
	r.POST("/api/wallet/redeem", g.handleRedeemToken)

	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// handleChatCompletions forwards POST /v1/chat/completions. The body's
// "stream" field selects the relay mode; the body itself is forwarded as
// received.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}

	g.forward(ctx, forwardOptions{
		route:           "chat_completions",
		upstreamPath:    "/v1/chat/completions",
		body:            body,
		paymentRequired: true,
		streaming:       probe.Stream,
	})
}

// handleEmbeddings forwards POST /v1/embeddings. Always non-streaming.
func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if !json.Valid(body) {
		apierr.WriteInvalidRequest(ctx, "invalid JSON in request body")
		return
	}

	g.forward(ctx, forwardOptions{
		route:           "embeddings",
		upstreamPath:    "/v1/embeddings",
		body:            body,
		paymentRequired: true,
	})
}

// handleImageGenerations forwards POST /v1/images/generations. Non-streaming.
func (g *Gateway) handleImageGenerations(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if !json.Valid(body) {
		apierr.WriteInvalidRequest(ctx, "invalid JSON in request body")
		return
	}

	g.forward(ctx, forwardOptions{
		route:           "image_generations",
		upstreamPath:    "/v1/images/generations",
		body:            body,
		paymentRequired: true,
	})
}

// handleListModels is the unpaid model-list passthrough.
func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	g.forward(ctx, forwardOptions{
		route:        "models",
		upstreamPath: "/v1/models",
	})
}

// handleGetModel is the unpaid single-model passthrough.
func (g *Gateway) handleGetModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	g.forward(ctx, forwardOptions{
		route:        "models",
		upstreamPath: "/v1/models/" + id,
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": g.version})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
