package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GatewayMode selects how payment is enforced.
type GatewayMode string

const (
	ModeReal GatewayMode = "real" // external x402 facilitator gates requests
	ModeStub GatewayMode = "stub" // local non-cryptographic enforcement
	ModeAuto GatewayMode = "auto" // try real, fall back to stub
)

// ParseGatewayMode validates a mode string.
func ParseGatewayMode(s string) (GatewayMode, error) {
	switch m := GatewayMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeReal, ModeStub, ModeAuto:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("X402_MODE: unknown mode %q (want real, stub, or auto)", s)
	}
}

// ErrMissingPayeeAddress means no payee candidate was a syntactically valid
// account address.
var ErrMissingPayeeAddress = errors.New("no valid payee address among candidates")

// ErrFacilitatorConfig means the real payment path cannot be constructed.
var ErrFacilitatorConfig = errors.New("facilitator configuration invalid")

// Gateway is the resolved payment enforcement state. Built exactly once at
// startup and read-only afterward; safe for concurrent use.
type Gateway struct {
	Mode                GatewayMode // real or stub, never auto
	UsingRealMiddleware bool
	FallbackFromReal    bool
	Reason              string
	Enforce             bool

	rules     []RouteRule
	payTo     string
	allowDemo bool
	fac       *facilitatorClient // nil in stub mode
}

// SelectGateway constructs the gateway for the requested mode. Forced real
// mode fails hard; auto falls back to stub recording the failure reason.
func SelectGateway(mode GatewayMode, rules []RouteRule, cfg Config) (*Gateway, error) {
	switch mode {
	case ModeReal:
		return newRealGateway(rules, cfg)
	case ModeStub:
		return newStubGateway(rules, cfg, false, "stub mode requested"), nil
	case ModeAuto:
		gw, err := newRealGateway(rules, cfg)
		if err != nil {
			log.Printf("x402: real gateway unavailable, falling back to stub: %v", err)
			return newStubGateway(rules, cfg, true, err.Error()), nil
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", mode)
	}
}

func newRealGateway(rules []RouteRule, cfg Config) (*Gateway, error) {
	payTo, err := ResolvePayeeAddress(cfg.PayToCandidates)
	if err != nil {
		return nil, err
	}
	if cfg.FacilitatorURL == "" {
		return nil, fmt.Errorf("%w: FACILITATOR_URL is not set", ErrFacilitatorConfig)
	}
	u, err := url.Parse(cfg.FacilitatorURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: FACILITATOR_URL %q is not a valid http(s) URL", ErrFacilitatorConfig, cfg.FacilitatorURL)
	}
	return &Gateway{
		Mode:                ModeReal,
		UsingRealMiddleware: true,
		Reason:              "x402 facilitator active",
		rules:               rules,
		payTo:               payTo,
		allowDemo:           cfg.AllowDemoQuery,
		fac:                 newFacilitatorClient(cfg.FacilitatorURL, cfg.FacilitatorAPIKey),
	}, nil
}

func newStubGateway(rules []RouteRule, cfg Config, fellBack bool, reason string) *Gateway {
	return &Gateway{
		Mode:             ModeStub,
		FallbackFromReal: fellBack,
		Reason:           reason,
		Enforce:          cfg.EnforceStubPayment || fellBack,
		rules:            rules,
		allowDemo:        cfg.AllowDemoQuery,
	}
}

// ResolvePayeeAddress returns the first syntactically valid account address
// from the ordered candidate list.
func ResolvePayeeAddress(candidates []string) (string, error) {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if IsHexAddress(c) {
			return c, nil
		}
	}
	return "", ErrMissingPayeeAddress
}

// IsHexAddress reports whether s is a 0x-prefixed 40-hex-digit address.
func IsHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for i := 2; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// PayTo exposes the resolved payee address ("" in stub mode).
func (g *Gateway) PayTo() string { return g.payTo }

// --- payment headers & proof -------------------------------------------------

// PaymentHeaders extracts the payment-related request headers, lower-cased.
// Only the x402 header families are kept; the map is request-scoped and never
// persisted.
func PaymentHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for k, vs := range h {
		lk := strings.ToLower(k)
		if len(vs) == 0 {
			continue
		}
		if strings.HasPrefix(lk, "x-payment") || strings.HasPrefix(lk, "x402") || lk == "payment" || lk == "authorization" {
			out[lk] = vs[0]
		}
	}
	return out
}

// HasPaymentProof reports whether the request carries any proof indicator:
// an X-PAYMENT payload, an X-Payment-Proof header, or an explicit paid
// status header.
func HasPaymentProof(h http.Header) bool {
	ph := PaymentHeaders(h)
	if strings.TrimSpace(ph["x-payment"]) != "" {
		return true
	}
	if strings.TrimSpace(ph["x-payment-proof"]) != "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(ph["x-payment-status"]), "paid")
}

// --- request tagging ---------------------------------------------------------

type paymentTagKey struct{}

const (
	tagPaidStub   = "paid_stub"
	tagUnpaidStub = "unpaid_stub"
	tagFree       = "free"
)

func tagRequest(r *http.Request, tag string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), paymentTagKey{}, tag))
}

// PaymentTag returns the tag the gateway middleware attached, if any.
func PaymentTag(r *http.Request) string {
	tag, _ := r.Context().Value(paymentTagKey{}).(string)
	return tag
}

// --- middleware --------------------------------------------------------------

// Wrap installs payment enforcement in front of next.
func (g *Gateway) Wrap(next http.Handler) http.Handler {
	if g.UsingRealMiddleware {
		return g.wrapReal(next)
	}
	return g.wrapStub(next)
}

// wrapStub is the local enforcement path: no cryptography, no external
// calls. Unpriced routes pass through tagged free.
func (g *Gateway) wrapStub(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := MatchRoute(g.rules, r.Method, r.URL.Path)
		if rule == nil {
			next.ServeHTTP(w, tagRequest(r, tagFree))
			return
		}

		if HasPaymentProof(r.Header) {
			next.ServeHTTP(w, tagRequest(r, tagPaidStub))
			return
		}

		// Demo opt-in bypasses stub enforcement so the resolver can still
		// serve the demo tier.
		if g.Enforce && !(g.allowDemo && demoRequested(r)) {
			writeStubChallenge(w, rule, g.Reason)
			return
		}

		next.ServeHTTP(w, tagRequest(r, tagUnpaidStub))
	})
}

func writeStubChallenge(w http.ResponseWriter, rule *RouteRule, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "payment required",
		"route":   rule.Method + " " + rule.Pattern,
		"price":   rule.Price,
		"network": rule.Network,
		"details": challengeDetails(reason),
	})
}

func challengeDetails(reason string) string {
	msg := "Send an X-PAYMENT header to access this route, or pass ?demo=1 for the free demo payload."
	if reason != "" {
		msg = reason + ". " + msg
	}
	return msg
}

// demoRequested reports an explicit demo opt-in via the query flag.
func demoRequested(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("demo")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// wrapReal delegates gating to the external facilitator: challenge issuance,
// header verification, and settlement all happen there. This layer only
// supplies the route table and credentials.
func (g *Gateway) wrapReal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := MatchRoute(g.rules, r.Method, r.URL.Path)
		if rule == nil {
			next.ServeHTTP(w, tagRequest(r, tagFree))
			return
		}

		reqs := g.requirementsFor(rule, r)
		payment := strings.TrimSpace(r.Header.Get("X-PAYMENT"))
		if payment == "" {
			writeRealChallenge(w, "X-PAYMENT header is required", reqs)
			return
		}

		ok, invalidReason, err := g.fac.verify(r.Context(), payment, reqs)
		if err != nil {
			log.Printf("x402: facilitator verify failed: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "payment facilitator unreachable"})
			return
		}
		if !ok {
			writeRealChallenge(w, invalidReason, reqs)
			return
		}

		settlement, err := g.fac.settle(r.Context(), payment, reqs)
		if err != nil {
			log.Printf("x402: facilitator settle failed: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "payment settlement failed"})
			return
		}
		if encoded, err := json.Marshal(settlement); err == nil {
			w.Header().Set("X-PAYMENT-RESPONSE", base64.StdEncoding.EncodeToString(encoded))
		}

		next.ServeHTTP(w, r)
	})
}

func writeRealChallenge(w http.ResponseWriter, reason string, reqs paymentRequirements) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x402Version": 1,
		"error":       reason,
		"accepts":     []paymentRequirements{reqs},
	})
}

func (g *Gateway) requirementsFor(rule *RouteRule, r *http.Request) paymentRequirements {
	return paymentRequirements{
		Scheme:            "exact",
		Network:           rule.Network,
		MaxAmountRequired: priceAtomicUnits(rule.Price),
		Resource:          r.URL.Path,
		Description:       rule.Description,
		PayTo:             g.payTo,
		MaxTimeoutSeconds: 60,
	}
}

// priceAtomicUnits converts a canonical six-decimal price to atomic units
// ("0.005000" -> "5000"). Prices are normalized at compile time, so the form
// is always D+.DDDDDD.
func priceAtomicUnits(price string) string {
	digits := strings.Replace(price, ".", "", 1)
	trimmed := strings.TrimLeft(digits, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// --- facilitator client ------------------------------------------------------

// paymentRequirements is the x402 requirements object handed to the
// facilitator and echoed in challenges.
type paymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

type settlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// facilitatorClient talks to the external x402 facilitator over HTTP.
type facilitatorClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newFacilitatorClient(baseURL, apiKey string) *facilitatorClient {
	return &facilitatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *facilitatorClient) verify(ctx context.Context, payment string, reqs paymentRequirements) (bool, string, error) {
	var result struct {
		IsValid       bool   `json:"isValid"`
		InvalidReason string `json:"invalidReason"`
	}
	if err := f.post(ctx, "/verify", payment, reqs, &result); err != nil {
		return false, "", err
	}
	if !result.IsValid && result.InvalidReason == "" {
		result.InvalidReason = "payment rejected by facilitator"
	}
	return result.IsValid, result.InvalidReason, nil
}

func (f *facilitatorClient) settle(ctx context.Context, payment string, reqs paymentRequirements) (settlementResponse, error) {
	var result settlementResponse
	if err := f.post(ctx, "/settle", payment, reqs, &result); err != nil {
		return settlementResponse{}, err
	}
	if !result.Success {
		return settlementResponse{}, fmt.Errorf("facilitator declined settlement")
	}
	return result, nil
}

func (f *facilitatorClient) post(ctx context.Context, path, payment string, reqs paymentRequirements, out interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"x402Version":         1,
		"paymentHeader":       payment,
		"paymentRequirements": reqs,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s returned %s: %s", path, strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
