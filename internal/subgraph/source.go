// Package subgraph queries the indexer for an account's pool memberships and
// token snapshots, trying an ordered list of equivalent endpoints.
package subgraph

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

	"stakestream/internal/model"
)

const accountQuery = `query AccountStakes($id: ID!) {
  account(id: $id) {
    id
    poolMemberships(first: 1000, where: {units_gt: "0"}) {
      id
      units
      isConnected
      pool {
        id
        totalUnits
        flowRate
        token { id symbol isNativeAssetSuperToken }
      }
    }
    accountTokenSnapshots(first: 1000, where: {balanceUntilUpdatedAt_gt: "0"}) {
      balanceUntilUpdatedAt
      updatedAtTimestamp
      totalNetFlowRate
      token { id symbol isNativeAssetSuperToken }
    }
  }
}`

// Source is one indexer endpoint.
type Source interface {
	Name() string
	Query(ctx context.Context, account common.Address) (model.AccountRecord, error)
}

// HTTPSource queries a GraphQL endpoint over HTTP.
type HTTPSource struct {
	name       string
	url        string
	httpClient *http.Client
}

// NewHTTPSource builds an HTTPSource; a nil client gets a 30s timeout client.
func NewHTTPSource(name, url string, httpClient *http.Client) *HTTPSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if name == "" {
		name = url
	}
	return &HTTPSource{name: name, url: url, httpClient: httpClient}
}

func (s *HTTPSource) Name() string { return s.name }

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data struct {
		Account *model.AccountRecord `json:"account"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// Query returns the account record. An account unknown to the indexer yields
// an empty record rather than an error.
func (s *HTTPSource) Query(ctx context.Context, account common.Address) (model.AccountRecord, error) {
	id := model.AddressKey(account)
	body, err := json.Marshal(graphQLRequest{
		Query:     accountQuery,
		Variables: map[string]interface{}{"id": id},
	})
	if err != nil {
		return model.AccountRecord{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return model.AccountRecord{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return model.AccountRecord{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.AccountRecord{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.AccountRecord{}, fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return model.AccountRecord{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		msgs := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			msgs = append(msgs, e.Message)
		}
		return model.AccountRecord{}, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if decoded.Data.Account == nil {
		return model.AccountRecord{ID: id}, nil
	}
	return *decoded.Data.Account, nil
}

func truncate(body []byte, max int) string {
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
