package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNoRecord indicates the registry holds no entry for the agent.
var ErrNoRecord = errors.New("no reputation record for agent")

// ReputationReader reads agent feedback records from the ledger. Callers own
// timeout and retry policy through ctx.
type ReputationReader interface {
	ReadRecord(ctx context.Context, agentID string) (FeedbackRecord, error)
}

// getSummary(address) selector on the reputation registry.
const getSummarySelector = "0x8f283970"

// RegistryClient reads the reputation registry contract over JSON-RPC.
type RegistryClient struct {
	rpcURL   string
	contract string
	client   *http.Client
}

// NewRegistryClient creates a registry reader for the given RPC endpoint and
// contract address.
func NewRegistryClient(rpcURL, contract string) *RegistryClient {
	return &RegistryClient{
		rpcURL:   rpcURL,
		contract: contract,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// ReadRecord fetches the feedback summary for an agent address. A missing or
// empty record maps to ErrNoRecord.
func (c *RegistryClient) ReadRecord(ctx context.Context, agentID string) (FeedbackRecord, error) {
	if !IsHexAddress(agentID) {
		return FeedbackRecord{}, fmt.Errorf("invalid agent address %q", agentID)
	}

	// ABI-encode the single address argument: selector + left-padded word.
	callData := getSummarySelector + strings.Repeat("0", 24) + strings.ToLower(agentID[2:])

	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_call",
		"params": []interface{}{
			map[string]string{"to": c.contract, "data": callData},
			"latest",
		},
	})
	if err != nil {
		return FeedbackRecord{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return FeedbackRecord{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return FeedbackRecord{}, fmt.Errorf("registry read: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return FeedbackRecord{}, fmt.Errorf("registry read: rpc returned %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return FeedbackRecord{}, fmt.Errorf("registry read: %w", err)
	}
	if rpcResp.Error != nil {
		return FeedbackRecord{}, fmt.Errorf("registry read: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return decodeSummary(rpcResp.Result)
}

// decodeSummary unpacks the five-word return value
// (score, totalFeedback, positiveFeedback, lastUpdated, exists).
func decodeSummary(result string) (FeedbackRecord, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(result), "0x")
	if hex == "" {
		return FeedbackRecord{}, ErrNoRecord
	}
	if len(hex) != 5*64 {
		return FeedbackRecord{}, fmt.Errorf("registry read: unexpected return length %d", len(hex))
	}

	words := make([]uint64, 5)
	for i := range words {
		w, err := decodeWord(hex[i*64 : (i+1)*64])
		if err != nil {
			return FeedbackRecord{}, fmt.Errorf("registry read: word %d: %w", i, err)
		}
		words[i] = w
	}

	if words[4] == 0 {
		return FeedbackRecord{}, ErrNoRecord
	}
	return FeedbackRecord{
		Score:            words[0],
		TotalFeedback:    words[1],
		PositiveFeedback: words[2],
		LastUpdated:      int64(words[3]),
		Exists:           true,
	}, nil
}

func decodeWord(word string) (uint64, error) {
	// Values fit in 64 bits; anything in the high 192 bits is corrupt data.
	if strings.TrimLeft(word[:48], "0") != "" {
		return 0, fmt.Errorf("value overflows uint64")
	}
	return strconv.ParseUint(word[48:], 16, 64)
}
