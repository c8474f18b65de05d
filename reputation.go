package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Server holds the request-serving dependencies. Everything here is
// read-only after startup.
type Server struct {
	cfg     Config
	gateway *Gateway
	rules   []RouteRule
	reader  ReputationReader
	watcher *Watcher
	hub     *WSHub
	start   time.Time
}

// NewServer wires the handler dependencies.
func NewServer(cfg Config, gw *Gateway, rules []RouteRule, reader ReputationReader, watcher *Watcher, hub *WSHub) *Server {
	return &Server{
		cfg:     cfg,
		gateway: gw,
		rules:   rules,
		reader:  reader,
		watcher: watcher,
		hub:     hub,
		start:   time.Now(),
	}
}

// reputationResponse is the full paid payload. The assessment fields are
// surfaced verbatim at the top level.
type reputationResponse struct {
	AgentID         string   `json:"agentId"`
	Score           *uint64  `json:"score"`
	Verdict         string   `json:"verdict"`
	Confidence      float64  `json:"confidence"`
	NegativeRateBps int      `json:"negativeRateBps"`
	Flagged         bool     `json:"flagged"`
	RiskFactors     []string `json:"riskFactors"`
	RecentTrend     string   `json:"recentTrend"`
	ConfidenceBand  string   `json:"confidenceBand"`
	TotalFeedback   uint64   `json:"totalFeedback"`
	LastUpdated     int64    `json:"lastUpdated,omitempty"`
}

// demoResponse is the reduced free payload.
type demoResponse struct {
	Demo           bool    `json:"demo"`
	AgentID        string  `json:"agentId"`
	Score          *uint64 `json:"score"`
	Verdict        string  `json:"verdict"`
	ConfidenceBand string  `json:"confidenceBand"`
	Flagged        bool    `json:"flagged"`
	Note           string  `json:"note"`
}

const demoNote = "Demo payload with reduced fields. Pay via x402 to unlock the full risk report."

// handleReputation serves GET /reputation/{agentId}.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	s.serveReputation(w, r, false)
}

// handleReport serves GET /reputation/{agentId}/report.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.serveReputation(w, r, true)
}

func (s *Server) serveReputation(w http.ResponseWriter, r *http.Request, report bool) {
	agentID := r.PathValue("agentId")
	if !IsHexAddress(agentID) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "agentId must be a 0x-prefixed 40-hex-digit address",
		})
		return
	}

	decision := ResolveAccess(r, s.gateway, s.cfg.AllowDemoQuery)
	if tag := PaymentTag(r); tag != "" {
		log.Printf("reputation: %s %s tier=%s tag=%s", r.Method, r.URL.Path, decision.Tier, tag)
	}

	switch decision.Tier {
	case AccessChallenge:
		s.writeChallenge(w, r, decision)
	case AccessDemo:
		s.writeDemo(w, r, agentID)
	default:
		s.writeFull(w, r, agentID, report)
	}
}

// writeChallenge answers with the 402 payment challenge for the matched
// route. Only reachable through the stub path.
func (s *Server) writeChallenge(w http.ResponseWriter, r *http.Request, decision AccessDecision) {
	rule := MatchRoute(s.rules, r.Method, r.URL.Path)
	body := map[string]interface{}{
		"error":   "payment required",
		"details": decision.Reason,
	}
	if rule != nil {
		body["route"] = rule.Method + " " + rule.Pattern
		body["price"] = rule.Price
		body["network"] = rule.Network
	}
	writeJSON(w, http.StatusPaymentRequired, body)
}

// writeDemo serves the free reduced payload. A missing record or a failed
// ledger read degrades to a null-score "no history" payload, never an error.
func (s *Server) writeDemo(w http.ResponseWriter, r *http.Request, agentID string) {
	record, err := s.readRecord(r.Context(), agentID)
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			log.Printf("reputation: demo ledger read failed for %s: %v", agentID, err)
		}
		writeJSON(w, http.StatusOK, demoResponse{
			Demo:           true,
			AgentID:        agentID,
			Verdict:        VerdictUnknown,
			ConfidenceBand: ConfidenceBand(0),
			Note:           "No reputation history found for this agent.",
		})
		return
	}

	assessment := Assess(record, s.cfg.Scoring, s.cfg.PollInterval, time.Now())
	score := record.Score
	writeJSON(w, http.StatusOK, demoResponse{
		Demo:           true,
		AgentID:        agentID,
		Score:          &score,
		Verdict:        Verdict(&score),
		ConfidenceBand: ConfidenceBand(record.TotalFeedback),
		Flagged:        assessment.Flagged,
		Note:           demoNote,
	})
}

// writeFull serves the paid payload. A missing record is a domain-level
// not-found; a failed read degrades to the insufficient_data presentation
// rather than a generic failure.
func (s *Server) writeFull(w http.ResponseWriter, r *http.Request, agentID string, report bool) {
	record, err := s.readRecord(r.Context(), agentID)
	if errors.Is(err, ErrNoRecord) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":       "no reputation record",
			"agentId":     agentID,
			"verdict":     VerdictUnknown,
			"recentTrend": TrendInsufficientData,
		})
		return
	}
	if err != nil {
		log.Printf("reputation: ledger read failed for %s: %v", agentID, err)
		writeJSON(w, http.StatusOK, reputationResponse{
			AgentID:        agentID,
			Verdict:        VerdictUnknown,
			RiskFactors:    []string{},
			RecentTrend:    TrendInsufficientData,
			ConfidenceBand: ConfidenceBand(0),
		})
		return
	}

	assessment := Assess(record, s.cfg.Scoring, s.cfg.PollInterval, time.Now())
	score := record.Score
	resp := reputationResponse{
		AgentID:         agentID,
		Score:           &score,
		Verdict:         Verdict(&score),
		Confidence:      assessment.Confidence,
		NegativeRateBps: assessment.NegativeRateBps,
		Flagged:         assessment.Flagged,
		RiskFactors:     assessment.RiskFactors,
		RecentTrend:     assessment.RecentTrend,
		ConfidenceBand:  ConfidenceBand(record.TotalFeedback),
		TotalFeedback:   record.TotalFeedback,
		LastUpdated:     record.LastUpdated,
	}

	if !report {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reputation":       resp,
		"positiveFeedback": record.PositiveFeedback,
		"negativeFeedback": record.TotalFeedback - record.PositiveFeedback,
		"thresholds": map[string]interface{}{
			"confidenceThresholdFeedbackCount": s.cfg.Scoring.ConfidenceThresholdFeedbackCount,
			"negativeFlagThresholdBps":         s.cfg.Scoring.NegativeFlagThresholdBps,
			"stalenessWindowSeconds":           int64(2 * s.cfg.PollInterval.Seconds()),
		},
		"summary": reputationSummary(agentID, resp),
	})
}

func (s *Server) readRecord(ctx context.Context, agentID string) (FeedbackRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.reader.ReadRecord(ctx, agentID)
}

func reputationSummary(agentID string, resp reputationResponse) string {
	short := agentID
	if len(short) > 12 {
		short = short[:8] + "..." + short[len(short)-4:]
	}
	factors := "no risk factors"
	if n := len(resp.RiskFactors); n == 1 {
		factors = "1 risk factor"
	} else if n > 1 {
		factors = fmt.Sprintf("%d risk factors", n)
	}
	return fmt.Sprintf("%s: %s (%s confidence band, %s, %s)",
		short, resp.Verdict, resp.ConfidenceBand, factors, resp.RecentTrend)
}

// handleHealth surfaces the gateway state verbatim.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
		"gateway": map[string]interface{}{
			"mode":                s.gateway.Mode,
			"usingRealMiddleware": s.gateway.UsingRealMiddleware,
			"fallbackFromReal":    s.gateway.FallbackFromReal,
			"reason":              s.gateway.Reason,
			"enforce":             s.gateway.Enforce,
		},
		"network": s.cfg.Network,
	}
	if s.watcher != nil {
		lastPoll, polls := s.watcher.Stats()
		watcher := map[string]interface{}{
			"polls":            polls,
			"watchedAgents":    s.hub.SubscribedCount(),
			"connectedClients": s.hub.ClientCount(),
		}
		if !lastPoll.IsZero() {
			watcher["lastPoll"] = lastPoll.UTC().Format(time.RFC3339)
		}
		body["watcher"] = watcher
	}
	writeJSON(w, http.StatusOK, body)
}

// handleIndex describes the service.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "Agent Reputation API",
		"description": "x402-gated reputation scores and risk reports for on-chain agents, read from the reputation registry.",
		"endpoints": map[string]string{
			"GET /reputation/{agentId}":        "Reputation score, verdict, and risk assessment (paid; ?demo=1 for the free demo payload)",
			"GET /reputation/{agentId}/report": "Full risk report with raw feedback counts and thresholds (paid)",
			"GET /pricing":                     "Priced routes and payment hints",
			"GET /health":                      "Service and payment gateway status",
			"GET /ws/reputation":               "WebSocket feed of reputation assessments",
		},
		"payment": map[string]interface{}{
			"protocol":  "x402",
			"mode":      s.gateway.Mode,
			"network":   s.cfg.Network,
			"demoQuery": "demo",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
