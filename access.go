package main

import "net/http"

// AccessTier is the closed set of response shapes a request can resolve to.
type AccessTier int

const (
	AccessFull AccessTier = iota
	AccessDemo
	AccessChallenge
)

func (t AccessTier) String() string {
	switch t {
	case AccessFull:
		return "full"
	case AccessDemo:
		return "demo"
	case AccessChallenge:
		return "challenge"
	}
	return "unknown"
}

// AccessDecision governs response shaping only; it carries no identity.
type AccessDecision struct {
	Tier   AccessTier
	Reason string // machine tag for full/demo, human detail for challenge
}

const (
	reasonPaidStub = "paid_stub"
	reasonDemoFree = "demo_free"
)

// ResolveAccess picks the access tier for a request. Precedence, first match
// wins:
//
//  1. real middleware active: the facilitator already gated this request
//  2. payment proof present: paid stub access
//  3. demo opt-in (when allowed): demo tier
//  4. enforcement required (fallback from real, or explicit override): challenge
//  5. open default: payment not currently enforceable
//
// A demo flag never unlocks full, and challenge is only reachable through the
// stub path; in real mode the protocol layer alone decides.
func ResolveAccess(r *http.Request, gw *Gateway, demoAllowed bool) AccessDecision {
	if gw.UsingRealMiddleware {
		return AccessDecision{Tier: AccessFull}
	}
	if HasPaymentProof(r.Header) {
		return AccessDecision{Tier: AccessFull, Reason: reasonPaidStub}
	}
	if demoAllowed && demoRequested(r) {
		return AccessDecision{Tier: AccessDemo, Reason: reasonDemoFree}
	}
	if gw.FallbackFromReal || gw.Enforce {
		return AccessDecision{Tier: AccessChallenge, Reason: challengeDetails(gw.Reason)}
	}
	return AccessDecision{Tier: AccessFull}
}
