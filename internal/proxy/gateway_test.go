package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/otrta/ecash-gateway/internal/ledger"
	"github.com/otrta/ecash-gateway/internal/payment"
	"github.com/otrta/ecash-gateway/internal/settings"
	"github.com/otrta/ecash-gateway/internal/wallet"
)

// --- helpers ----------------------------------------------------------------

// stubWallet is a scriptable wallet.Client double.
type stubWallet struct {
	sendFn    func(amount int64) (*wallet.SendResponse, error)
	receiveFn func(claim string) (*wallet.ReceiveResponse, error)
	balanceFn func() (*wallet.BalanceResponse, error)

	sentAmounts    []int64
	receivedClaims []string
}

func (s *stubWallet) Send(_ context.Context, amount int64) (*wallet.SendResponse, error) {
	s.sentAmounts = append(s.sentAmounts, amount)
	if s.sendFn != nil {
		return s.sendFn(amount)
	}
	return &wallet.SendResponse{Token: "cashuMinted", Balance: 970}, nil
}

func (s *stubWallet) Receive(_ context.Context, claim string) (*wallet.ReceiveResponse, error) {
	s.receivedClaims = append(s.receivedClaims, claim)
	if s.receiveFn != nil {
		return s.receiveFn(claim)
	}
	return &wallet.ReceiveResponse{InitialBalance: 970, Balance: 995}, nil
}

func (s *stubWallet) Balance(context.Context) (*wallet.BalanceResponse, error) {
	if s.balanceFn != nil {
		return s.balanceFn()
	}
	return &wallet.BalanceResponse{Balance: 970}, nil
}

// env bundles a gateway with all its doubles and an HTTP client routed to it
// over an in-memory listener.
type env struct {
	gw       *Gateway
	wallet   *stubWallet
	store    *ledger.MemoryStore
	settings *settings.MemoryStore
	client   *http.Client
}

// newTestEnv starts the full gateway (routes + middleware) against the given
// upstream handler. The upstream starts unconfigured; call configure to point
// the gateway at it.
func newTestEnv(t *testing.T, upstream http.Handler) (*env, string) {
	t.Helper()

	upstreamURL := ""
	if upstream != nil {
		srv := httptest.NewServer(upstream)
		t.Cleanup(srv.Close)
		upstreamURL = srv.URL
	}

	e := &env{
		wallet:   &stubWallet{},
		store:    ledger.NewMemoryStore(),
		settings: settings.NewMemoryStore(),
	}

	mediator := payment.NewMediator(e.wallet, e.store, payment.Options{})
	e.gw = NewGateway(e.settings, mediator, e.wallet, e.store, GatewayOptions{})

	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		_ = fasthttp.Serve(ln, e.gw.Handler(nil))
	}()

	e.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return e, upstreamURL
}

func (e *env) configure(t *testing.T, endpoint string) {
	t.Helper()
	if _, err := e.settings.Upsert(context.Background(), settings.ServerConfig{
		Endpoint: endpoint,
		APIKey:   "sk-test",
	}); err != nil {
		t.Fatal(err)
	}
}

func (e *env) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (e *env) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://gateway"+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, req)
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// decodeError unwraps the {"error": {...}} envelope.
func decodeError(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	return out.Error
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

// --- forwarding tests -------------------------------------------------------

func TestForward_ConfigMissing(t *testing.T) {
	e, _ := newTestEnv(t, nil)

	resp := e.post(t, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	apiErr := decodeError(t, resp)
	if apiErr["code"] != "server_config_missing" || apiErr["type"] != "server_error" {
		t.Errorf("error = %v", apiErr)
	}
	if apiErr["message"] != "Server configuration missing. Cannot process request without a configured endpoint." {
		t.Errorf("message = %v", apiErr["message"])
	}

	// Nothing may have been paid for a request that never dispatched.
	if len(e.wallet.sentAmounts) != 0 {
		t.Errorf("wallet sends = %v, want none", e.wallet.sentAmounts)
	}
}

func TestForward_InvalidJSON(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	e.configure(t, "http://unused")

	resp := e.post(t, "/v1/chat/completions", `{"stream": tru`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if apiErr := decodeError(t, resp); apiErr["type"] != "invalid_request_error" {
		t.Errorf("error = %v", apiErr)
	}
	if len(e.wallet.sentAmounts) != 0 {
		t.Error("malformed requests must not mint payments")
	}
}

func TestForward_MintFailureSkipsUpstream(t *testing.T) {
	upstreamCalls := 0
	e, url := newTestEnv(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		upstreamCalls++
	}))
	e.configure(t, url)

	e.wallet.sendFn = func(int64) (*wallet.SendResponse, error) {
		return nil, errors.New("mint down")
	}

	resp := e.post(t, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	apiErr := decodeError(t, resp)
	if apiErr["type"] != "payment_error" {
		t.Errorf("error type = %v, want payment_error", apiErr["type"])
	}
	if msg, _ := apiErr["message"].(string); !strings.HasPrefix(msg, "Failed to generate payment token:") {
		t.Errorf("message = %q", msg)
	}
	if upstreamCalls != 0 {
		t.Errorf("upstream calls = %d, want 0", upstreamCalls)
	}
}

func TestForward_Success(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	e, url := newTestEnv(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		rw.Header().Set("X-Upstream", "yes")
		rw.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	e.configure(t, url)

	req, _ := http.NewRequest(http.MethodPost, "http://gateway/chat/completions", strings.NewReader(chatBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer caller-secret")

	resp := e.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(readBody(t, resp)) != `{"id":"chatcmpl-1"}` {
		t.Error("body not relayed verbatim")
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header not mirrored")
	}

	// The bare alias maps to the /v1 upstream path.
	if got.URL.Path != "/v1/chat/completions" {
		t.Errorf("upstream path = %s, want /v1/chat/completions", got.URL.Path)
	}
	if string(gotBody) != chatBody {
		t.Error("request body not forwarded verbatim")
	}
	if got.Header.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("upstream auth = %q, want the configured key", got.Header.Get("Authorization"))
	}
	if got.Header.Get("X-PAYMENT-SATS") != "cashuMinted" {
		t.Errorf("payment header = %q", got.Header.Get("X-PAYMENT-SATS"))
	}
	if got.Header.Get("Accept") != "application/json" {
		t.Error("Accept header not forwarded")
	}
}

func TestForward_SettlesChangeSats(t *testing.T) {
	e, url := newTestEnv(t, http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("X-CHANGE-SATS", "cashuChange")
		rw.Write([]byte(`{}`))
	}))
	e.configure(t, url)

	resp := e.post(t, "/v1/chat/completions", chatBody)
	readBody(t, resp)

	if len(e.wallet.receivedClaims) != 1 || e.wallet.receivedClaims[0] != "cashuChange" {
		t.Fatalf("receives = %v", e.wallet.receivedClaims)
	}

	list, err := e.store.ListTransactions(context.Background(), ledger.PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("transactions = %d, want 2", len(list.Data))
	}
	in, out := list.Data[0], list.Data[1]
	if in.Direction != ledger.Incoming || in.Amount != "25" {
		t.Errorf("incoming row = %+v", in)
	}
	if out.Direction != ledger.Outgoing || out.Token != "cashuMinted" || out.Amount != "30" {
		t.Errorf("outgoing row = %+v", out)
	}
}

func TestForward_SettlesEvenOnUpstreamError(t *testing.T) {
	e, url := newTestEnv(t, http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("X-CHANGE-SATS", "cashuRefund")
		rw.WriteHeader(http.StatusTooManyRequests)
		rw.Write([]byte(`{"error":"rate limited"}`))
	}))
	e.configure(t, url)

	resp := e.post(t, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want mirrored 429", resp.StatusCode)
	}
	readBody(t, resp)

	// Change is settled regardless of the upstream status code.
	if e.store.TransactionCount() != 2 {
		t.Errorf("transactions = %d, want 2", e.store.TransactionCount())
	}
}

func TestForward_BanksCreditToken(t *testing.T) {
	e, url := newTestEnv(t, http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("X-CHANGE-TOKEN", "cashuLeftover")
		rw.Header().Set("X-CHANGE-AMOUNT", "12")
		rw.Write([]byte(`{}`))
	}))
	e.configure(t, url)

	resp := e.post(t, "/embeddings", `{"model":"text-embedding-3-small","input":"hi"}`)
	readBody(t, resp)

	list, err := e.store.ListCredits(context.Background(), ledger.PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 {
		t.Fatalf("credits = %d, want 1", len(list.Data))
	}
	if c := list.Data[0]; c.Token != "cashuLeftover" || c.Amount != "12" {
		t.Errorf("credit = %+v", c)
	}
}

func TestForward_Streaming(t *testing.T) {
	chunks := []string{
		"data: {\"id\":\"1\"}\n\n",
		"data: {\"id\":\"2\"}\n\n",
		"data: [DONE]\n\n",
	}
	e, url := newTestEnv(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var probe struct {
			Stream bool `json:"stream"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &probe)
		if !probe.Stream {
			t.Error("stream flag not forwarded")
		}

		rw.Header().Set("Content-Type", "text/event-stream")
		flusher := rw.(http.Flusher)
		for _, c := range chunks {
			rw.Write([]byte(c))
			flusher.Flush()
		}
	}))
	e.configure(t, url)

	resp := e.post(t, "/v1/chat/completions", `{"model":"gpt-4o","stream":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if string(readBody(t, resp)) != strings.Join(chunks, "") {
		t.Error("stream not relayed in order")
	}
}

func TestForward_ModelsPassthroughUnpaid(t *testing.T) {
	var gotPaths []string
	e, url := newTestEnv(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		if r.Header.Get("X-PAYMENT-SATS") != "" {
			t.Error("passthrough carried a payment header")
		}
		rw.Write([]byte(`{"data":[]}`))
	}))
	e.configure(t, url)

	readBody(t, e.get(t, "/models"))
	readBody(t, e.get(t, "/v1/models/gpt-4o"))

	if len(e.wallet.sentAmounts) != 0 {
		t.Errorf("wallet sends = %v, want none for passthroughs", e.wallet.sentAmounts)
	}
	want := []string{"/v1/models", "/v1/models/gpt-4o"}
	for i, p := range want {
		if gotPaths[i] != p {
			t.Errorf("upstream path[%d] = %s, want %s", i, gotPaths[i], p)
		}
	}
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	e.configure(t, "http://127.0.0.1:1")

	resp := e.post(t, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	apiErr := decodeError(t, resp)
	if apiErr["type"] != "gateway_error" {
		t.Errorf("error type = %v, want gateway_error", apiErr["type"])
	}
	if msg, _ := apiErr["message"].(string); !strings.HasPrefix(msg, "Error forwarding request:") {
		t.Errorf("message = %q", msg)
	}

	// A dispatch failure means no response headers and no change signals, so
	// nothing may reach the ledger.
	if e.store.TransactionCount() != 0 {
		t.Errorf("transactions = %d, want 0 after network failure", e.store.TransactionCount())
	}
	if e.store.CreditCount() != 0 {
		t.Errorf("credits = %d, want 0 after network failure", e.store.CreditCount())
	}
}

// --- middleware tests -------------------------------------------------------

func TestMiddleware_RequestIDAndTiming(t *testing.T) {
	e, _ := newTestEnv(t, nil)

	resp := e.get(t, "/health")
	readBody(t, resp)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("missing X-Response-Time")
	}

	req, _ := http.NewRequest(http.MethodGet, "http://gateway/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp = e.do(t, req)
	readBody(t, resp)
	if resp.Header.Get("X-Request-ID") != "fixed-id" {
		t.Error("client request id not echoed")
	}
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	e, _ := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, "http://gateway/v1/chat/completions", nil)
	resp := e.do(t, req)
	readBody(t, resp)

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}
