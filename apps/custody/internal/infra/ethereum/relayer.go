package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/apps/custody/internal/gnosis"
	"custodex.com/pkg/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	ErrReverted    = errors.New("transaction reverted")
	ErrMineTimeout = fmt.Errorf("transaction not mined in time: %w", domain.ErrTxPending)
)

type RelayerConfig struct {
	ChainID      *big.Int
	Treasury     common.Address
	MultiSend    common.Address // 多笔调用打包时使用，零地址表示不支持批量
	Key          *ecdsa.PrivateKey
	PollInterval time.Duration
	MineTimeout  time.Duration
	GasBumpPct   uint64 // 在 EstimateGas 基础上上浮的百分比
}

// Relayer 用 relayer EOA 签名并提交国库 Safe 的 execTransaction
// 国库 Safe 门限为 1，relayer 是它的 owner
type Relayer struct {
	cfg     RelayerConfig
	backend Backend
	reader  *Adapter
	from    common.Address

	// 同一条链的提交串行，EOA nonce 和 Safe nonce 都不能并发取
	mu sync.Mutex
}

var _ domain.TreasuryExecutor = (*Relayer)(nil)

func NewRelayer(reader *Adapter, backend Backend, cfg RelayerConfig) (*Relayer, error) {
	if cfg.Key == nil {
		return nil, errors.New("relayer key is required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.Treasury == (common.Address{}) {
		return nil, errors.New("treasury address is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MineTimeout <= 0 {
		cfg.MineTimeout = 3 * time.Minute
	}
	if cfg.GasBumpPct == 0 {
		cfg.GasBumpPct = 20
	}
	return &Relayer{
		cfg:     cfg,
		backend: backend,
		reader:  reader,
		from:    crypto.PubkeyToAddress(cfg.Key.PublicKey),
	}, nil
}

func (r *Relayer) Treasury() common.Address { return r.cfg.Treasury }

func (r *Relayer) From() common.Address { return r.from }

// Execute 把 calls 包成一笔国库 Safe 交易，等待上链并确认成功
// 多个调用走 MultiSendCallOnly 的 DelegateCall，整体原子
func (r *Relayer) Execute(ctx context.Context, calls []domain.SafeCall) (string, error) {
	if len(calls) == 0 {
		return "", errors.New("no calls to execute")
	}

	to, data, op, err := r.inner(calls)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nonce, err := r.reader.SafeNonce(ctx, r.cfg.Treasury.Hex())
	if err != nil {
		return "", err
	}
	safeTx := gnosis.NewTx(to, data, op, nonce)
	safeHash := safeTx.Hash(r.cfg.ChainID, r.cfg.Treasury)
	sig, err := gnosis.OwnerSignature(safeHash, r.cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign safe tx: %w", err)
	}
	execData, err := gnosis.EncodeExecTransaction(safeTx, sig)
	if err != nil {
		return "", fmt.Errorf("encode exec: %w", err)
	}

	txHash, err := r.send(ctx, r.cfg.Treasury, execData)
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "treasury tx sent",
		zap.String("chain_id", r.cfg.ChainID.String()),
		zap.String("tx_hash", txHash.Hex()),
		zap.String("safe_nonce", nonce.String()),
		zap.Int("calls", len(calls)))

	sent := strings.ToLower(txHash.Hex())
	if err := r.waitMined(ctx, txHash); err != nil {
		// 结果未知时把哈希交给调用方对账
		if errors.Is(err, domain.ErrTxPending) {
			return sent, err
		}
		return "", err
	}
	return sent, nil
}

func (r *Relayer) inner(calls []domain.SafeCall) (common.Address, []byte, gnosis.Operation, error) {
	if len(calls) == 1 {
		return calls[0].To, calls[0].Data, gnosis.Call, nil
	}
	if r.cfg.MultiSend == (common.Address{}) {
		return common.Address{}, nil, 0, errors.New("multisend address not configured")
	}
	metas := make([]gnosis.MetaTx, 0, len(calls))
	for _, c := range calls {
		metas = append(metas, gnosis.MetaTx{
			Operation: gnosis.Call,
			To:        c.To,
			Value:     new(big.Int),
			Data:      c.Data,
		})
	}
	data, err := gnosis.EncodeMultiSend(metas)
	if err != nil {
		return common.Address{}, nil, 0, fmt.Errorf("encode multisend: %w", err)
	}
	return r.cfg.MultiSend, data, gnosis.DelegateCall, nil
}

// send EIP-1559 交易，MaxFee = 2*BaseFee + Tip
func (r *Relayer) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	nonce, err := r.backend.PendingNonceAt(ctx, r.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relayer nonce: %w", err)
	}
	tip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	// 估算失败基本意味着内层调用会 revert，不发
	gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * (100 + r.cfg.GasBumpPct) / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.cfg.ChainID), r.cfg.Key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast: %w", err)
	}
	return signed.Hash(), nil
}

// waitMined 轮询回执直到上链，status=0 视为失败
func (r *Relayer) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.MineTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := r.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			logger.Warn(ctx, "receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrMineTimeout, hash.Hex())
			}
			return fmt.Errorf("%w: %w", domain.ErrTxPending, ctx.Err())
		case <-ticker.C:
		}
	}
}
