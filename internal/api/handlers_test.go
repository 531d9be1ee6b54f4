package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stakestream/internal/clock"
	"stakestream/internal/model"
	"stakestream/internal/refresh"
	"stakestream/internal/session"
)

const (
	accountHex = "0x9999999999999999999999999999999999999999"
	tokenHex   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	poolHex    = "0x1111111111111111111111111111111111111111"
)

type stubIndexer struct {
	mu  sync.Mutex
	err error
}

func (s *stubIndexer) Query(context.Context, common.Address) (model.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.AccountRecord{}, s.err
	}
	return model.AccountRecord{
		PoolMemberships: []model.PoolMembership{{
			ID:    "m1",
			Units: "1",
			Pool: model.SubgraphPool{
				ID:         poolHex,
				TotalUnits: "1",
				FlowRate:   "1000000000000000000",
				Token:      model.SubgraphToken{ID: tokenHex, Symbol: "X"},
			},
		}},
	}, nil
}

type stubChain struct{}

func (stubChain) BatchBalanceOf(_ context.Context, _ common.Address, contracts []common.Address) (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(contracts))
	for _, c := range contracts {
		out[c] = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
	}
	return out, nil
}

func (stubChain) BatchIsMemberConnected(_ context.Context, _ common.Address, pools []common.Address) (map[common.Address]bool, error) {
	out := make(map[common.Address]bool, len(pools))
	for _, p := range pools {
		out[p] = true
	}
	return out, nil
}

func newTestRouter(t *testing.T, indexer *stubIndexer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewManual(time.Unix(1700000000, 0))
	reg := session.NewRegistry(func(account common.Address) (*refresh.Orchestrator, error) {
		return refresh.New(account, refresh.Deps{Indexer: indexer, Chain: stubChain{}}, refresh.Config{
			Clock:     clk,
			Scheduler: clk,
		}, nil)
	}, nil)
	t.Cleanup(reg.Close)
	return NewServer(reg, nil).Router()
}

func do(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestPositionsEndpoint(t *testing.T) {
	router := newTestRouter(t, &stubIndexer{})

	rec := do(router, http.MethodGet, "/v1/accounts/"+accountHex+"/positions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Loaded    bool `json:"loaded"`
		Positions []struct {
			TokenAddress common.Address `json:"token_address"`
			Phase        string         `json:"phase"`
			LiveBalance  float64        `json:"live_balance"`
		} `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Loaded)
	require.Len(t, body.Positions, 1)
	assert.Equal(t, common.HexToAddress(tokenHex), body.Positions[0].TokenAddress)
	assert.Equal(t, "metadata-loaded", body.Positions[0].Phase)
	assert.InDelta(t, 5.0, body.Positions[0].LiveBalance, 1e-9)
}

func TestInvalidAddressIsBadRequest(t *testing.T) {
	router := newTestRouter(t, &stubIndexer{})
	rec := do(router, http.MethodGet, "/v1/accounts/not-an-address/positions")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexerFailureIsBadGateway(t *testing.T) {
	router := newTestRouter(t, &stubIndexer{err: errors.New("all indexer sources failed")})
	rec := do(router, http.MethodGet, "/v1/accounts/"+accountHex+"/positions")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["retryable"])
}

func TestActiveAndRefreshEndpoints(t *testing.T) {
	router := newTestRouter(t, &stubIndexer{})
	base := "/v1/accounts/" + accountHex

	require.Equal(t, http.StatusOK, do(router, http.MethodGet, base+"/positions").Code)

	rec := do(router, http.MethodPost, base+"/active/"+tokenHex)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), tokenHex)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, base+"/refresh/"+tokenHex+"?force=true").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodPost, base+"/refresh/0x0000000000000000000000000000000000000001").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, base+"/refresh/0x12").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, base+"/refresh").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, base+"/refresh?force=true").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, base+"/visibility?visible=false").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, base+"/visibility?visible=maybe").Code)

	rec = do(router, http.MethodDelete, base+"/active/"+tokenHex)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), tokenHex)
}

func TestUnregisterWithoutSessionDoesNotOpenOne(t *testing.T) {
	router := newTestRouter(t, &stubIndexer{})
	base := "/v1/accounts/" + accountHex

	rec := do(router, http.MethodDelete, base+"/active/"+tokenHex)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":[]}`, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodDelete, base+"/active/0x12").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodDelete, "/v1/accounts/nope/active/"+tokenHex).Code)

	rec = do(router, http.MethodGet, "/healthz")
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &stubIndexer{})
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/healthz").Code)

	rec := do(router, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
