package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finbask/finbask/internal/custody"
	"github.com/finbask/finbask/internal/escrow"
	"github.com/finbask/finbask/internal/journal"
	"github.com/finbask/finbask/internal/registry"
	"github.com/finbask/finbask/internal/token"
	"github.com/finbask/finbask/internal/whitelist"
	"github.com/finbask/finbask/pkg/models"
)

var (
	custodyAddr = common.HexToAddress("0x000000000000000000000000000000000000C0DE")
	escrowAddr  = common.HexToAddress("0x000000000000000000000000000000000000E5C0")
	arranger    = common.HexToAddress("0x0000000000000000000000000000000000000AAA")
	holder      = "0x0000000000000000000000000000000000000A01"
	holderAddr  = common.HexToAddress(holder)
	assetAddr   = common.HexToAddress("0x0000000000000000000000000000000000000111")
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	asset := token.NewLedger("TKA")
	native := token.NewLedger("NATIVE")
	require.NoError(t, asset.Mint(holderAddr, decimal.NewFromInt(1000)))
	require.NoError(t, asset.Approve(holderAddr, custodyAddr, decimal.NewFromInt(1000)))
	require.NoError(t, native.Mint(holderAddr, decimal.NewFromInt(1000)))

	cfg := models.BasketConfig{
		Name:     "Test Basket",
		Symbol:   "TB",
		Arranger: arranger,
		Assets: []models.AssetWeight{
			{Token: assetAddr, Weight: decimal.NewFromInt(1)},
		},
	}
	custodySvc, err := custody.NewService(
		zap.NewNop(), cfg, custodyAddr,
		map[common.Address]token.Token{assetAddr: asset},
		native, whitelist.AllowAll{}, registry.Nop{}, journal.Nop{},
	)
	require.NoError(t, err)

	escrowSvc := escrow.NewService(
		zap.NewNop(), escrowAddr, arranger,
		native,
		escrow.StaticBaskets{custodyAddr: custodySvc},
		whitelist.AllowAll{}, journal.Nop{},
	)

	return NewServer(zap.NewNop(), custodySvc, escrowSvc, nil, prometheus.NewRegistry())
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestStartStopsOnShutdown(t *testing.T) {
	srv := newTestServer(t)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start("127.0.0.1:0") }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err, "a drained server reports a clean exit")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestBundleAndBalance(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/custody/bundle", gin.H{
		"caller":   holder,
		"quantity": "25",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodGet, "/api/v1/custody/balance/"+holder, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Balance.Equal(decimal.NewFromInt(25)))

	w = doJSON(t, srv, http.MethodGet, "/api/v1/custody/supply", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestBundleErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	// malformed body
	w := doJSON(t, srv, http.MethodPost, "/api/v1/custody/bundle", gin.H{"caller": holder})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// invalid address
	w = doJSON(t, srv, http.MethodPost, "/api/v1/custody/bundle", gin.H{
		"caller":   "not-an-address",
		"quantity": "25",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// debundle beyond balance maps to 422
	w = doJSON(t, srv, http.MethodPost, "/api/v1/custody/debundle", gin.H{
		"caller":   holder,
		"quantity": "5",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// non-arranger fee change maps to 403
	w = doJSON(t, srv, http.MethodPost, "/api/v1/custody/fee-rate", gin.H{
		"caller": holder,
		"rate":   "0.1",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	expiresAt := time.Now().Add(time.Hour).Unix()

	// bundle so the holder owns basket tokens to sell
	w := doJSON(t, srv, http.MethodPost, "/api/v1/custody/bundle", gin.H{
		"caller":   holder,
		"quantity": "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodPost, "/api/v1/custody/approve", gin.H{
		"caller":  holder,
		"spender": escrowAddr.Hex(),
		"amount":  "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodPost, "/api/v1/escrow/orders/sell", gin.H{
		"caller":        holder,
		"basket":        custodyAddr.Hex(),
		"basket_amount": "4",
		"base_amount":   "10",
		"expires_at":    expiresAt,
		"nonce":         1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Index uint64 `json:"index"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, uint64(1), created.Index)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/escrow/orders/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// duplicate terms conflict
	w = doJSON(t, srv, http.MethodPost, "/api/v1/escrow/orders/sell", gin.H{
		"caller":        holder,
		"basket":        custodyAddr.Hex(),
		"basket_amount": "4",
		"base_amount":   "10",
		"expires_at":    expiresAt,
		"nonce":         1,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/v1/escrow/orders/sell/cancel", gin.H{
		"caller":        holder,
		"basket":        custodyAddr.Hex(),
		"basket_amount": "4",
		"base_amount":   "10",
		"expires_at":    expiresAt,
		"nonce":         1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// filling the cancelled order is a 404
	w = doJSON(t, srv, http.MethodPost, "/api/v1/escrow/orders/sell/fill", gin.H{
		"caller":        "0x0000000000000000000000000000000000000B02",
		"creator":       holder,
		"basket":        custodyAddr.Hex(),
		"basket_amount": "4",
		"value":         "10",
		"expires_at":    expiresAt,
		"nonce":         1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
