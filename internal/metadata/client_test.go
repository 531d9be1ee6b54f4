package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokenX = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tokenZ = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func TestFetchBatch(t *testing.T) {
	var got batchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"tokens":[{"address":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","symbol":"X",
			"stakingAddress":"0x1111111111111111111111111111111111111111",
			"poolAddress":"0x2222222222222222222222222222222222222222",
			"logoUrl":"https://img/x.png","lockDuration":604800,
			"marketData":{"priceUsd":1.5,"change24h":-2,"marketCapUsd":1000000}}]}`))
	}))
	defer server.Close()

	out, err := NewClient(server.URL, nil).FetchBatch(context.Background(), []string{tokenX, tokenZ})
	require.NoError(t, err)

	assert.Equal(t, []string{tokenX, tokenZ}, got.Addresses)
	require.Len(t, out, 2)

	x := out[tokenX]
	assert.True(t, x.Known)
	assert.True(t, x.HasCanonicalPool())
	assert.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), x.PoolAddress)
	assert.Equal(t, uint64(604800), x.LockDurationSeconds)
	require.NotNil(t, x.Market)
	assert.Equal(t, 1.5, x.Market.PriceUSD)

	z := out[tokenZ]
	assert.False(t, z.Known)
	assert.False(t, z.HasCanonicalPool())
}

func TestFetchBatchRejectsOversizedBatch(t *testing.T) {
	tokens := make([]string, 31)
	for i := range tokens {
		tokens[i] = tokenX
	}
	_, err := NewClient("http://unused", nil).FetchBatch(context.Background(), tokens)
	assert.Error(t, err)
}

func TestFetchBatchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil).FetchBatch(context.Background(), []string{tokenX})
	assert.Error(t, err)
}
