package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/ratelimit"
	"custodex.com/pkg/xerr"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	breakerName  = "ledger"
	currencyUSD  = 840 // ISO 4217
	paymentType  = "crypto"
	maxBodyBytes = 64 << 10
)

// ErrRejected 账本对请求给出了明确的拒绝
var ErrRejected = errors.New("ledger rejected settlement")

type Config struct {
	URL       string
	APIKey    string
	SecretKey string
	CompanyID string
	Merchant  string
	Timeout   time.Duration
}

type Client struct {
	cfg      Config
	http     *http.Client
	breakers *ratelimit.Manager
}

var _ domain.LedgerClient = (*Client)(nil)

// New breakers 为 nil 时不做熔断
func New(cfg Config, breakers *ratelimit.Manager) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breakers: breakers,
	}
}

// usdAmount 以 JSON 数字输出，不经过 float64
type usdAmount decimal.Decimal

func (u usdAmount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(u).String()), nil
}

type creditRequest struct {
	TxHash       string    `json:"txHash"`
	BlockNumber  int64     `json:"blockNumber"`
	TokenAddress string    `json:"erc20"`
	ChainID      string    `json:"chainId"`
	SweepHash    string    `json:"sweepHash"`
	Email        string    `json:"email"`
	Account      string    `json:"account"`
	Amount       usdAmount `json:"amount"`
	CurrencyCode int       `json:"currencyCode"`
	Merchant     string    `json:"merchant"`
	PaymentType  string    `json:"paymentType"`
	GasFee       string    `json:"gasFee"`
}

type creditResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      *bool  `json:"error"`
	Message    string `json:"message"`
}

// Credit POST 一笔入账，HTTP 201 且 body 中 statusCode=201、error=false 才算成功
// 明确拒绝返回 LedgerRejected，不计入熔断；5xx 和网络错误计入
func (c *Client) Credit(ctx context.Context, s *domain.Settlement) error {
	body, err := json.Marshal(creditRequest{
		TxHash:       s.TxHash,
		BlockNumber:  s.BlockNumber,
		TokenAddress: s.TokenAddress,
		ChainID:      s.ChainID,
		SweepHash:    s.SweepHash,
		Email:        s.Email,
		Account:      s.AccountRef,
		Amount:       usdAmount(s.AmountUSD),
		CurrencyCode: currencyUSD,
		Merchant:     c.cfg.Merchant,
		PaymentType:  paymentType,
		GasFee:       s.GasFee,
	})
	if err != nil {
		return xerr.Wrap(err, xerr.ServerCommonError, "marshal credit")
	}

	if c.breakers == nil {
		return c.post(ctx, s, body)
	}
	return c.breakers.Do(breakerName, func() error {
		return c.post(ctx, s, body)
	})
}

func (c *Client) post(ctx context.Context, s *domain.Settlement, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return xerr.Wrap(err, xerr.ServerCommonError, "build credit request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("x-secret-key", c.cfg.SecretKey)
	req.Header.Set("x-company-id", c.cfg.CompanyID)

	resp, err := c.http.Do(req)
	if err != nil {
		return xerr.Wrap(err, xerr.LedgerError, "post credit")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return xerr.Wrap(err, xerr.LedgerError, "read credit response")
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return xerr.New(xerr.LedgerError, fmt.Sprintf("ledger status %d", resp.StatusCode))
	}

	var out creditResponse
	decodeErr := json.Unmarshal(raw, &out)
	accepted := resp.StatusCode == http.StatusCreated &&
		decodeErr == nil &&
		out.StatusCode == http.StatusCreated &&
		out.Error != nil && !*out.Error
	if accepted {
		return nil
	}

	logger.Warn(ctx, "ledger rejected settlement",
		zap.String("chain_id", s.ChainID),
		zap.String("tx_hash", s.TxHash),
		zap.Int("http_status", resp.StatusCode),
		zap.Int("body_status", out.StatusCode),
		zap.String("message", out.Message),
		zap.ByteString("body", truncate(raw, 512)))
	return xerr.Wrap(ErrRejected, xerr.LedgerRejected, fmt.Sprintf("ledger status %d", resp.StatusCode))
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
