// Package metadata reads canonical staking addresses, logos and market data
// from the off-chain metadata store.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stakestream/internal/batch"
	"stakestream/internal/model"
)

// Client calls the metadata batch endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	maxBatch   int
}

// NewClient builds a Client; a nil http client gets a 15s timeout client.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{url: url, httpClient: httpClient, maxBatch: batch.DefaultChunkSize}
}

type batchRequest struct {
	Addresses []string `json:"addresses"`
}

type marketData struct {
	PriceUSD     float64 `json:"priceUsd"`
	Change24h    float64 `json:"change24h"`
	MarketCapUSD float64 `json:"marketCapUsd"`
}

type tokenRecord struct {
	Address        string      `json:"address"`
	Symbol         string      `json:"symbol"`
	StakingAddress string      `json:"stakingAddress"`
	PoolAddress    string      `json:"poolAddress"`
	LogoURL        string      `json:"logoUrl"`
	LockDuration   uint64      `json:"lockDuration"`
	MarketData     *marketData `json:"marketData"`
}

type batchResponse struct {
	Tokens []tokenRecord `json:"tokens"`
}

// FetchBatch returns metadata for every requested token, keyed by lowercase
// address. Tokens the store does not know come back with Known=false.
func (c *Client) FetchBatch(ctx context.Context, tokens []string) (map[string]model.TokenMetadata, error) {
	if len(tokens) == 0 {
		return map[string]model.TokenMetadata{}, nil
	}
	if len(tokens) > c.maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(tokens), c.maxBatch)
	}

	requested := make([]string, 0, len(tokens))
	for _, token := range tokens {
		requested = append(requested, strings.ToLower(strings.TrimSpace(token)))
	}

	body, err := json.Marshal(batchRequest{Addresses: requested})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	var decoded batchResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	out := make(map[string]model.TokenMetadata, len(requested))
	for _, key := range requested {
		out[key] = model.TokenMetadata{Token: common.HexToAddress(key)}
	}
	for _, rec := range decoded.Tokens {
		key := strings.ToLower(rec.Address)
		if _, ok := out[key]; !ok {
			continue
		}
		out[key] = rec.toModel()
	}
	return out, nil
}

func (r tokenRecord) toModel() model.TokenMetadata {
	meta := model.TokenMetadata{
		Token:               common.HexToAddress(r.Address),
		Symbol:              r.Symbol,
		LogoURL:             r.LogoURL,
		LockDurationSeconds: r.LockDuration,
		Known:               true,
	}
	if common.IsHexAddress(r.StakingAddress) {
		meta.StakingAddress = common.HexToAddress(r.StakingAddress)
	}
	if common.IsHexAddress(r.PoolAddress) {
		meta.PoolAddress = common.HexToAddress(r.PoolAddress)
	}
	if r.MarketData != nil {
		meta.Market = &model.MarketData{
			PriceUSD:     r.MarketData.PriceUSD,
			Change24h:    r.MarketData.Change24h,
			MarketCapUSD: r.MarketData.MarketCapUSD,
		}
	}
	return meta
}

// Fallback is the metadata used when a lookup failed: nothing is known.
func Fallback(subject string) model.TokenMetadata {
	return model.TokenMetadata{Token: common.HexToAddress(subject)}
}
