package payment

// DefaultPriceSats is the flat price charged for one forwarded call.
const DefaultPriceSats int64 = 30

// CostRequest describes a forward call for pricing purposes.
type CostRequest struct {
	// Path is the upstream path the call targets (e.g. "/v1/chat/completions").
	Path string
	// Streaming reports whether the caller requested a streamed response.
	Streaming bool
	// BodyBytes is the inbound body size. Zero for GET passthroughs.
	BodyBytes int
}

// Pricer decides how many sats a forward call costs before it is dispatched.
// The request is passed so alternative strategies can price by endpoint or
// payload size; the default policy ignores it.
type Pricer interface {
	EstimateCost(req CostRequest) int64
}

// FixedPricer charges the same amount for every call.
type FixedPricer struct {
	Sats int64
}

func (p FixedPricer) EstimateCost(CostRequest) int64 { return p.Sats }
