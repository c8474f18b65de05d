package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks invalid route configuration. It is only ever returned at
// compile time; a table that compiled never fails a match call.
var ErrConfig = errors.New("invalid route configuration")

// RoutePrice is the raw per-route declaration, keyed in the table by a
// combined "METHOD /path" string where path segments may be :name
// placeholders.
type RoutePrice struct {
	Price       string `yaml:"price"`
	Network     string `yaml:"network"`
	Description string `yaml:"description"`
}

// RouteRule is a compiled pricing rule. Price is the canonical fixed-point
// USD form (six decimal places, no currency symbol).
type RouteRule struct {
	Method      string
	Pattern     string
	Price       string
	Network     string
	Description string

	segments []string
}

// DefaultRoutes returns the built-in pricing table.
func DefaultRoutes(network string) map[string]RoutePrice {
	return map[string]RoutePrice{
		"GET /reputation/:agentId": {
			Price:       "$0.005",
			Network:     network,
			Description: "Agent reputation score and verdict",
		},
		"GET /reputation/:agentId/report": {
			Price:       "$0.02",
			Network:     network,
			Description: "Full agent risk report",
		},
	}
}

// LoadRoutes returns the pricing table, optionally overridden by a YAML file.
// An empty or missing path falls back to the built-in table; an unreadable or
// invalid file is an error.
func LoadRoutes(path, network string) (map[string]RoutePrice, error) {
	if path == "" {
		return DefaultRoutes(network), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRoutes(network), nil
		}
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var raw map[string]RoutePrice
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: routes file %s declares no routes", ErrConfig, path)
	}
	// Routes without an explicit network inherit the configured one.
	for key, rp := range raw {
		if rp.Network == "" {
			rp.Network = network
			raw[key] = rp
		}
	}
	return raw, nil
}

// CompileRoutes compiles the raw table into matchable rules. It rejects
// malformed keys, malformed prices, and overlapping patterns.
func CompileRoutes(raw map[string]RoutePrice) ([]RouteRule, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rules := make([]RouteRule, 0, len(keys))
	for _, key := range keys {
		rp := raw[key]
		fields := strings.Fields(key)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: route key %q must be \"METHOD /path\"", ErrConfig, key)
		}
		method := strings.ToUpper(fields[0])
		pattern := fields[1]
		segs, err := compilePattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: route %q: %v", ErrConfig, key, err)
		}
		price, err := NormalizePriceUSD(rp.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: route %q: %v", ErrConfig, key, err)
		}
		rule := RouteRule{
			Method:      method,
			Pattern:     pattern,
			Price:       price,
			Network:     rp.Network,
			Description: rp.Description,
			segments:    segs,
		}
		for _, prev := range rules {
			if rulesOverlap(prev, rule) {
				return nil, fmt.Errorf("%w: routes %q and %q overlap", ErrConfig, prev.Method+" "+prev.Pattern, key)
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compilePattern(pattern string) ([]string, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("path %q must start with /", pattern)
	}
	if pattern == "/" {
		return nil, fmt.Errorf("path %q has no segments", pattern)
	}
	segs := strings.Split(pattern[1:], "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("path %q has an empty segment", pattern)
		}
		if s == ":" {
			return nil, fmt.Errorf("path %q has an unnamed placeholder", pattern)
		}
	}
	return segs, nil
}

// rulesOverlap reports whether two rules could match the same request. A
// placeholder is compatible with any segment, so overlap means same method,
// same segment count, and every literal pair equal.
func rulesOverlap(a, b RouteRule) bool {
	if a.Method != b.Method || len(a.segments) != len(b.segments) {
		return false
	}
	for i := range a.segments {
		as, bs := a.segments[i], b.segments[i]
		if isPlaceholder(as) || isPlaceholder(bs) {
			continue
		}
		if as != bs {
			return false
		}
	}
	return true
}

func isPlaceholder(seg string) bool {
	return strings.HasPrefix(seg, ":")
}

// MatchRoute returns the rule matching the method and path, or nil. Literal
// segments match exactly; placeholders match exactly one non-empty segment.
func MatchRoute(rules []RouteRule, method, path string) *RouteRule {
	method = strings.ToUpper(method)
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 1 && segs[0] == "" {
		return nil
	}
	for i := range rules {
		r := &rules[i]
		if r.Method != method || len(r.segments) != len(segs) {
			continue
		}
		matched := true
		for j, rs := range r.segments {
			if isPlaceholder(rs) {
				if segs[j] == "" {
					matched = false
					break
				}
				continue
			}
			if rs != segs[j] {
				matched = false
				break
			}
		}
		if matched {
			return r
		}
	}
	return nil
}

// NormalizePriceUSD converts a declared price ("$0.005", "0.02") into the
// canonical six-decimal fixed-point form ("0.005000"). No floats involved.
func NormalizePriceUSD(s string) (string, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "$")
	if raw == "" {
		return "", fmt.Errorf("empty price")
	}
	intPart := raw
	fracPart := ""
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		intPart, fracPart = raw[:i], raw[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) || (fracPart != "" && !allDigits(fracPart)) {
		return "", fmt.Errorf("malformed price %q", s)
	}
	if len(fracPart) > 6 {
		return "", fmt.Errorf("price %q exceeds 6 decimal places", s)
	}
	fracPart += strings.Repeat("0", 6-len(fracPart))
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	if intPart == "0" && fracPart == "000000" {
		return "", fmt.Errorf("price %q is zero", s)
	}
	return intPart + "." + fracPart, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
