package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"custodex.com/apps/custody/internal/app/pipeline"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/apps/custody/internal/infra/persistence"
	"custodex.com/apps/custody/internal/testkit"
	"custodex.com/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	ctxs  []context.Context
}

func (r *fakeRunner) record(ctx context.Context, name string) []pipeline.ChainReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.ctxs = append(r.ctxs, ctx)
	return []pipeline.ChainReport{{Stage: name, ChainID: testkit.ChainID, Error: "rpc down"}}
}

func (r *fakeRunner) Fetch(ctx context.Context) []pipeline.ChainReport   { return r.record(ctx, "fetch") }
func (r *fakeRunner) Confirm(ctx context.Context) []pipeline.ChainReport { return r.record(ctx, "confirm") }
func (r *fakeRunner) Send(ctx context.Context) []pipeline.ChainReport    { return r.record(ctx, "send") }
func (r *fakeRunner) Status() []pipeline.RunState {
	return []pipeline.RunState{{Key: "scan:10", Runs: 3}}
}

const adminToken = "s3cret"

func newEngine(t *testing.T) (*gin.Engine, *fakeRunner, *gorm.DB) {
	db := testkit.NewDB(t)
	runner := &fakeRunner{}
	return New(Deps{
		Service:    "custody",
		Runner:     runner,
		Holds:      persistence.New(db),
		AdminToken: adminToken,
	}), runner, db
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestTriggers(t *testing.T) {
	r, runner, _ := newEngine(t)

	tests := []struct {
		path string
		want string
	}{
		{"/fetch", "Deposit sync done"},
		{"/confirm", "Deposit confirm done"},
		{"/send", "Deposit send done"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(r, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, http.StatusOK, w.Code, "stage 出错也回 200")
			assert.Equal(t, tt.want, w.Body.String())
		})
	}
	assert.Equal(t, []string{"fetch", "confirm", "send"}, runner.calls)
}

func TestTrigger_DetachedFromClient(t *testing.T) {
	r, runner, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/confirm", nil).WithContext(ctx)
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, runner.ctxs, 1)
	assert.NoError(t, runner.ctxs[0].Err(), "客户端断开不影响正在跑的 stage")
}

func TestHealthzStatusMetrics(t *testing.T) {
	r, _, _ := newEngine(t)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var states []pipeline.RunState
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &states))
	require.Len(t, states, 1)
	assert.Equal(t, "scan:10", states[0].Key)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func seedHeld(t *testing.T, db *gorm.DB) {
	testkit.SeedDeposit(t, db, &domain.Deposit{
		TxHash: testkit.Hash(1), ChainID: testkit.ChainID, BlockNumber: 5, HoldReason: domain.HoldZeroGasUsed,
	})
	testkit.SeedDeposit(t, db, &domain.Deposit{
		TxHash: testkit.Hash(2), ChainID: "8453", BlockNumber: 6, HoldReason: domain.HoldReceiptFailed,
	})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(3), ChainID: testkit.ChainID})
}

func TestListHeld(t *testing.T) {
	r, _, db := newEngine(t)
	seedHeld(t, db)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantHashes []string
	}{
		{"全部链", "", http.StatusOK, []string{testkit.Hash(1), testkit.Hash(2)}},
		{"按链过滤", "?chain_id=8453", http.StatusOK, []string{testkit.Hash(2)}},
		{"分页", "?page=2&limit=1", http.StatusOK, []string{testkit.Hash(2)}},
		{"链 id 非数字", "?chain_id=op", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, httptest.NewRequest(http.MethodGet, "/deposits/held"+tt.query, nil))
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var deposits []domain.Deposit
			require.NoError(t, json.Unmarshal(decode(t, w).Data, &deposits))
			got := make([]string, 0, len(deposits))
			for _, d := range deposits {
				got = append(got, d.TxHash)
			}
			assert.Equal(t, tt.wantHashes, got)
		})
	}
}

func TestForceConfirm(t *testing.T) {
	r, _, db := newEngine(t)
	seedHeld(t, db)

	post := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if token != "" {
			req.Header.Set(middleware.HeaderAdminToken, token)
		}
		return serve(r, req)
	}
	path := func(chainID, hash string) string {
		return "/admin/deposits/" + chainID + "/" + hash + "/confirm"
	}

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"没有 token", path(testkit.ChainID, testkit.Hash(1)), "", http.StatusUnauthorized},
		{"token 错误", path(testkit.ChainID, testkit.Hash(1)), "guess", http.StatusUnauthorized},
		{"哈希格式错误", path(testkit.ChainID, "0x1234"), adminToken, http.StatusBadRequest},
		{"放行挂起的充值", path(testkit.ChainID, "0x"+strings.ToUpper(testkit.Hash(1)[2:])), adminToken, http.StatusOK},
		{"重复放行", path(testkit.ChainID, testkit.Hash(1)), adminToken, http.StatusConflict},
		{"未挂起的充值不能放行", path(testkit.ChainID, testkit.Hash(3)), adminToken, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(tt.path, tt.token)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}

	d := testkit.Load(t, db, testkit.ChainID, testkit.Hash(1))
	assert.True(t, d.Confirmed)
	assert.Equal(t, domain.HoldNone, d.HoldReason)
	assert.False(t, testkit.Load(t, db, testkit.ChainID, testkit.Hash(3)).Confirmed)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	r := New(Deps{Service: "custody", Runner: &fakeRunner{}, Holds: persistence.New(testkit.NewDB(t))})
	req := httptest.NewRequest(http.MethodPost, "/admin/deposits/10/"+testkit.Hash(1)+"/confirm", nil)
	req.Header.Set(middleware.HeaderAdminToken, "")
	w := serve(r, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
