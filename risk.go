package main

import (
	"math"
	"time"
)

// Verdict tiers.
const (
	VerdictTrusted   = "TRUSTED"
	VerdictCaution   = "CAUTION"
	VerdictDangerous = "DANGEROUS"
	VerdictUnknown   = "UNKNOWN"
)

// Recent-trend values. TrendInsufficientData is never produced by Assess;
// handlers emit it when the ledger read fails or no record exists.
const (
	TrendInsufficientData = "insufficient_data"
	TrendStable           = "stable"
	TrendCaution          = "caution"
	TrendStale            = "stale"
)

// Risk factors, in the order Assess emits them.
const (
	FactorLowFeedbackVolume = "low_feedback_volume"
	FactorHighNegativeRatio = "high_negative_feedback_ratio"
	FactorLowTrustScore     = "low_trust_score"
)

// Verdict and factor score bounds.
const (
	trustedScoreFloor  = 700 // score > 700 is TRUSTED; 700 itself is CAUTION
	dangerousScoreCeil = 400 // score < 400 is DANGEROUS
	lowTrustScoreBound = 500 // below this, low_trust_score factor applies
	highConfidenceBand = 50  // feedback count for the "high" confidence band
)

// FeedbackRecord is the raw ledger record for an agent. Read-only input;
// nothing in this service mutates it.
type FeedbackRecord struct {
	Score            uint64
	TotalFeedback    uint64
	PositiveFeedback uint64
	LastUpdated      int64 // unix seconds
	Exists           bool
}

// ScoringConfig holds the classifier thresholds.
type ScoringConfig struct {
	ConfidenceThresholdFeedbackCount uint64
	NegativeFlagThresholdBps         uint64
}

// DefaultScoringConfig returns the standard thresholds.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ConfidenceThresholdFeedbackCount: 50,
		NegativeFlagThresholdBps:         1000,
	}
}

// RiskAssessment is the derived risk view of a record. Recomputed on every
// request, never cached.
type RiskAssessment struct {
	Confidence      float64  `json:"confidence"`
	NegativeRateBps int      `json:"negativeRateBps"`
	Flagged         bool     `json:"flagged"`
	RiskFactors     []string `json:"riskFactors"`
	RecentTrend     string   `json:"recentTrend"`
}

// Assess classifies a feedback record. Pure: identical inputs (including
// now) produce identical output.
func Assess(record FeedbackRecord, cfg ScoringConfig, pollInterval time.Duration, now time.Time) RiskAssessment {
	a := RiskAssessment{
		Confidence:      confidence(record.TotalFeedback, cfg.ConfidenceThresholdFeedbackCount),
		NegativeRateBps: negativeRateBps(record.TotalFeedback, record.PositiveFeedback),
		RiskFactors:     []string{},
	}
	a.Flagged = record.TotalFeedback > 0 && uint64(a.NegativeRateBps) > cfg.NegativeFlagThresholdBps

	if record.TotalFeedback < cfg.ConfidenceThresholdFeedbackCount {
		a.RiskFactors = append(a.RiskFactors, FactorLowFeedbackVolume)
	}
	if a.Flagged {
		a.RiskFactors = append(a.RiskFactors, FactorHighNegativeRatio)
	}
	if record.Score < lowTrustScoreBound {
		a.RiskFactors = append(a.RiskFactors, FactorLowTrustScore)
	}

	// Clock skew (record timestamp ahead of now) clamps to zero age.
	ageSeconds := now.Unix() - record.LastUpdated
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	switch {
	case float64(ageSeconds) > 2*pollInterval.Seconds():
		a.RecentTrend = TrendStale
	case len(a.RiskFactors) == 0:
		a.RecentTrend = TrendStable
	default:
		a.RecentTrend = TrendCaution
	}
	return a
}

// confidence measures how much feedback volume backs the score, independent
// of its sign. A zero threshold means full confidence by definition.
func confidence(total, threshold uint64) float64 {
	if threshold == 0 {
		return 1
	}
	c := float64(total) / float64(threshold)
	if c > 1 {
		return 1
	}
	return c
}

func negativeRateBps(total, positive uint64) int {
	if total == 0 {
		return 0
	}
	if positive > total {
		return 0
	}
	bps := int(math.Round(float64(total-positive) / float64(total) * 10000))
	if bps > 10000 {
		bps = 10000
	}
	return bps
}

// Verdict maps a trust score to a human verdict tier. A nil score means no
// ledger record and is UNKNOWN.
func Verdict(score *uint64) string {
	if score == nil {
		return VerdictUnknown
	}
	switch {
	case *score > trustedScoreFloor:
		return VerdictTrusted
	case *score >= dangerousScoreCeil:
		return VerdictCaution
	default:
		return VerdictDangerous
	}
}

// ConfidenceBand buckets feedback volume for the demo payload.
func ConfidenceBand(totalFeedback uint64) string {
	switch {
	case totalFeedback >= highConfidenceBand:
		return "high"
	case totalFeedback > 0:
		return "low"
	default:
		return "none"
	}
}
