package ledger

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/ratelimit"
	"custodex.com/pkg/xerr"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSettlement() *domain.Settlement {
	return &domain.Settlement{
		TxHash:       "0xaaa",
		BlockNumber:  100,
		TokenAddress: "0x0b2c639c533813f4aa9d7837caf62653d097ff85",
		ChainID:      "10",
		SweepHash:    "0xbbb",
		Email:        "u1@example.com",
		AccountRef:   "acct-u1",
		AmountUSD:    decimal.RequireFromString("1.000001"),
		GasFee:       "21000",
	}
}

func TestClient_Credit(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode int // 0 表示成功
	}{
		{"201 且 body 成功", http.StatusCreated, `{"statusCode":201,"error":false}`, 0},
		{"201 但 body 报错", http.StatusCreated, `{"statusCode":201,"error":true,"message":"dup"}`, xerr.LedgerRejected},
		{"201 但缺少 error 字段", http.StatusCreated, `{"statusCode":201}`, xerr.LedgerRejected},
		{"200 不算入账", http.StatusOK, `{"statusCode":201,"error":false}`, xerr.LedgerRejected},
		{"body 不是 JSON", http.StatusCreated, `created`, xerr.LedgerRejected},
		{"4xx 拒绝", http.StatusBadRequest, `{"statusCode":400,"error":true}`, xerr.LedgerRejected},
		{"5xx 故障", http.StatusBadGateway, `bad gateway`, xerr.LedgerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := New(Config{URL: srv.URL}, nil).Credit(context.Background(), sampleSettlement())
			if tt.wantCode == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, xerr.CodeOf(err))
			if tt.wantCode == xerr.LedgerRejected {
				assert.ErrorIs(t, err, ErrRejected)
			}
		})
	}
}

func TestClient_RequestShape(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"statusCode":201,"error":false}`)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "k", SecretKey: "s", CompanyID: "c1", Merchant: "CFX"}, nil)
	require.NoError(t, c.Credit(context.Background(), sampleSettlement()))

	assert.Equal(t, "k", gotHeader.Get("x-api-key"))
	assert.Equal(t, "s", gotHeader.Get("x-secret-key"))
	assert.Equal(t, "c1", gotHeader.Get("x-company-id"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))

	assert.True(t, strings.Contains(string(gotBody), `"amount":1.000001`), "金额按 JSON 数字原样输出: %s", gotBody)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "0xaaa", payload["txHash"])
	assert.Equal(t, "0xbbb", payload["sweepHash"])
	assert.Equal(t, "10", payload["chainId"])
	assert.Equal(t, "acct-u1", payload["account"])
	assert.Equal(t, "u1@example.com", payload["email"])
	assert.Equal(t, float64(840), payload["currencyCode"])
	assert.Equal(t, "CFX", payload["merchant"])
	assert.Equal(t, "crypto", payload["paymentType"])
	assert.Equal(t, float64(100), payload["blockNumber"])
}

func TestClient_BreakerCountsOnlyFaults(t *testing.T) {
	var hits int32
	status := int32(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	breakers := ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 2, Timeout: time.Minute}, nil)
	c := New(Config{URL: srv.URL}, breakers)
	ctx := context.Background()

	// 拒绝不代表账本不健康
	for i := 0; i < 3; i++ {
		assert.Equal(t, xerr.LedgerRejected, xerr.CodeOf(c.Credit(ctx, sampleSettlement())))
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		assert.Equal(t, xerr.LedgerError, xerr.CodeOf(c.Credit(ctx, sampleSettlement())))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))

	err := c.Credit(ctx, sampleSettlement())
	require.Error(t, err)
	assert.True(t, ratelimit.IsOpen(err))
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "熔断后不再打到账本")
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(Config{URL: url, Timeout: time.Second}, nil).Credit(context.Background(), sampleSettlement())
	require.Error(t, err)
	assert.Equal(t, xerr.LedgerError, xerr.CodeOf(err))
}
