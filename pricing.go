package main

import (
	"net/http"
)

// PricedRoute is one entry of the pricing discovery response.
type PricedRoute struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Price       string `json:"price"`
	Network     string `json:"network"`
	Description string `json:"description,omitempty"`
}

// PricingPaymentHints tells clients how to pay or opt into the demo tier.
type PricingPaymentHints struct {
	PaymentHeader  string `json:"paymentHeader"`
	ProofHeader    string `json:"proofHeader"`
	StatusCode     int    `json:"statusCode"`
	DemoQueryParam string `json:"demoQueryParam,omitempty"`
}

// PricingResponse is the /pricing payload.
type PricingResponse struct {
	Protocol             string              `json:"protocol"`
	GatewayMode          GatewayMode         `json:"gatewayMode"`
	Enforced             bool                `json:"enforced"`
	Currency             string              `json:"currency"`
	Routes               []PricedRoute       `json:"routes"`
	PaymentHints         PricingPaymentHints `json:"paymentHints"`
	RateLimitPerIPPerMin int                 `json:"rateLimitPerIpPerMin"`
}

// handlePricing lists the priced routes and payment hints.
func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	routes := make([]PricedRoute, 0, len(s.rules))
	for _, rule := range s.rules {
		routes = append(routes, PricedRoute{
			Method:      rule.Method,
			Path:        rule.Pattern,
			Price:       rule.Price,
			Network:     rule.Network,
			Description: rule.Description,
		})
	}

	hints := PricingPaymentHints{
		PaymentHeader: "X-PAYMENT",
		ProofHeader:   "X-Payment-Proof",
		StatusCode:    http.StatusPaymentRequired,
	}
	if s.cfg.AllowDemoQuery {
		hints.DemoQueryParam = "demo"
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, PricingResponse{
		Protocol:             "x402",
		GatewayMode:          s.gateway.Mode,
		Enforced:             s.gateway.UsingRealMiddleware || s.gateway.Enforce,
		Currency:             "USD",
		Routes:               routes,
		PaymentHints:         hints,
		RateLimitPerIPPerMin: s.cfg.RateLimitPerMin,
	})
}
