package sweeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"custodex.com/apps/custody/internal/app/events"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/metrics"
	"custodex.com/pkg/safe"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const stage = "sweep"

type Config struct {
	MaxBatch int // batch 模式下一笔交易最多包含的 (proxy, token) 组数
	// UnitTimeout 一次归集从读余额到落库的上限，不受 stage 超时影响
	// 要覆盖 approve 和 exec 两次等待上链
	UnitTimeout time.Duration
}

type Result struct {
	ChainID    string
	Candidates int
	Swept      int // 标记为已归集的充值数
	Empty      int // proxy 余额为 0
	Pending    int // 归集交易已广播，等回执对账
	Failed     int
	Txs        []string
}

type Sweeper struct {
	cfg    Config
	repo   domain.SweepRepo
	tokens domain.TokenDirectory
	events domain.EventPublisher
}

func New(cfg Config, repo domain.SweepRepo, tokens domain.TokenDirectory, pub domain.EventPublisher) *Sweeper {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 20
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = 10 * time.Minute
	}
	return &Sweeper{cfg: cfg, repo: repo, tokens: tokens, events: pub}
}

// SweepChain 把 confirmed && !swept 的充值从 proxy 归集到国库
// 同一条链内严格串行，避免两次归集读到同一份余额
func (s *Sweeper) SweepChain(ctx context.Context, chain domain.Chain, reader domain.ChainReader,
	exec domain.TreasuryExecutor) (*Result, error) {

	res := &Result{ChainID: chain.ID}
	chainID, ok := new(big.Int).SetString(chain.ID, 10)
	if !ok {
		return res, fmt.Errorf("chain id %q is not numeric", chain.ID)
	}

	deposits, err := s.repo.ListSweepable(ctx, chain.ID)
	if err != nil {
		return res, err
	}
	res.Candidates = len(deposits)
	deposits = s.reconcile(ctx, res, chain.ID, reader, deposits)
	if len(deposits) == 0 {
		return res, ctx.Err()
	}

	if chain.SweepMode == domain.SweepBatch {
		s.sweepBatch(ctx, res, chainID, chain, reader, exec, deposits)
	} else {
		s.sweepEach(ctx, res, chainID, chain, reader, exec, deposits)
	}

	if len(res.Txs) > 0 || res.Failed > 0 || res.Pending > 0 {
		logger.Info(ctx, "sweep finished",
			zap.String("chain_id", chain.ID),
			zap.String("mode", string(chain.SweepMode)),
			zap.Int("candidates", res.Candidates),
			zap.Int("swept", res.Swept),
			zap.Int("empty", res.Empty),
			zap.Int("pending", res.Pending),
			zap.Int("failed", res.Failed))
	}
	return res, ctx.Err()
}

// detach 一次归集开始后不再跟随 stage 的取消，ctx 只在两次归集之间检查
func (s *Sweeper) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.UnitTimeout)
}

// reconcile 按回执处理上一轮没等到结果的归集交易，返回本轮仍需归集的充值
func (s *Sweeper) reconcile(ctx context.Context, res *Result, chainID string, reader domain.ChainReader,
	deposits []*domain.Deposit) []*domain.Deposit {

	var (
		rest    []*domain.Deposit
		order   []string
		pending = make(map[string][]*domain.Deposit)
	)
	for _, d := range deposits {
		if d.SweepTxHash == nil || *d.SweepTxHash == "" {
			rest = append(rest, d)
			continue
		}
		h := *d.SweepTxHash
		if _, ok := pending[h]; !ok {
			order = append(order, h)
		}
		pending[h] = append(pending[h], d)
	}

	for _, h := range order {
		group := pending[h]
		if ctx.Err() != nil {
			return nil
		}
		uctx, cancel := s.detach(ctx)
		receipt, err := reader.Receipt(uctx, h)
		switch {
		case err != nil:
			s.fail(ctx, res, chainID, fmt.Errorf("sweep receipt %s: %w", h, err), group...)
		case receipt == nil:
			res.Pending += len(group)
			logger.Warn(ctx, "sweep tx still pending",
				zap.String("chain_id", chainID),
				zap.String("sweep_tx", h),
				zap.Int("deposits", len(group)))
		case receipt.Status == domain.ReceiptStatusSuccessful:
			if err := s.markSwept(uctx, res, chainID, h, group); err != nil {
				s.fail(ctx, res, chainID, err, group...)
			} else {
				logger.Info(ctx, "pending sweep reconciled",
					zap.String("chain_id", chainID),
					zap.String("sweep_tx", h),
					zap.Int("deposits", len(group)))
			}
		default:
			// 交易 revert，资金没动，清掉后本轮重新归集
			if err := s.repo.ClearSweepPending(uctx, chainID, h); err != nil {
				s.fail(ctx, res, chainID, err, group...)
				break
			}
			logger.Warn(ctx, "pending sweep reverted, retrying",
				zap.String("chain_id", chainID),
				zap.String("sweep_tx", h))
			for _, d := range group {
				d.SweepTxHash = nil
				rest = append(rest, d)
			}
		}
		cancel()
	}
	return rest
}

// pending 交易已广播但没等到回执，记下哈希，资金若已到国库下一轮凭回执补记
func (s *Sweeper) pending(ctx context.Context, res *Result, chainID, sweepTx string, cause error, deposits []*domain.Deposit) {
	hashes := make([]string, 0, len(deposits))
	for _, d := range deposits {
		hashes = append(hashes, d.TxHash)
	}
	// 原 ctx 可能已经到期，落库用新的短超时
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.repo.MarkSweepPending(wctx, chainID, hashes, sweepTx); err != nil {
		logger.Error(ctx, "record pending sweep failed",
			zap.String("chain_id", chainID),
			zap.String("sweep_tx", sweepTx),
			zap.Strings("tx_hashes", hashes),
			zap.Error(err))
		s.fail(ctx, res, chainID, err, deposits...)
		return
	}
	res.Pending += len(deposits)
	metrics.StageErrors.WithLabelValues(stage, chainID).Inc()
	logger.Warn(ctx, "sweep tx not confirmed, will reconcile",
		zap.String("chain_id", chainID),
		zap.String("sweep_tx", sweepTx),
		zap.Strings("tx_hashes", hashes),
		zap.Error(cause))
}

// sweepEach 每笔充值 approve 和 exec 各上链一次
func (s *Sweeper) sweepEach(ctx context.Context, res *Result, chainID *big.Int, chain domain.Chain,
	reader domain.ChainReader, exec domain.TreasuryExecutor, deposits []*domain.Deposit) {

	for _, d := range deposits {
		if ctx.Err() != nil {
			return
		}
		uctx, cancel := s.detach(ctx)
		err := safe.Run(uctx, func(ctx context.Context) error {
			nonce, err := reader.SafeNonce(ctx, d.DepositAddr)
			if err != nil {
				return err
			}
			p, err := s.build(ctx, chainID, chain, reader, exec.Treasury(), []*domain.Deposit{d}, nonce)
			if err != nil {
				return err
			}
			if p == nil {
				s.empty(ctx, res, d)
				return nil
			}
			calls, err := p.calls(exec.Treasury())
			if err != nil {
				return err
			}

			// Step A: 国库作为 proxy 唯一 owner 登记 approvedHashes
			approveTx, err := exec.Execute(ctx, calls[:1])
			if err != nil {
				return fmt.Errorf("approveHash: %w", err)
			}
			logger.Info(ctx, "sweep hash approved",
				zap.String("chain_id", chain.ID),
				zap.String("tx_hash", d.TxHash),
				zap.String("safe_tx_hash", p.hash.Hex()),
				zap.String("approve_tx", approveTx))

			// Step B: 带 v=1 的合约签名执行 transfer
			sweepTx, err := exec.Execute(ctx, calls[1:])
			if err != nil {
				if sweepTx != "" && errors.Is(err, domain.ErrTxPending) {
					s.pending(ctx, res, chain.ID, sweepTx, err, p.deposits)
					return nil
				}
				return fmt.Errorf("execTransaction: %w", err)
			}
			if err := s.commit(ctx, res, chain.ID, sweepTx, p); err != nil {
				// 链上已经成功，落库失败时按待对账处理
				s.pending(ctx, res, chain.ID, sweepTx, err, p.deposits)
			}
			return nil
		})
		cancel()
		if err != nil {
			s.fail(ctx, res, chain.ID, err, d)
		}
	}
}

// sweepBatch 所有 proxy 的 approve+exec 打进同一笔 MultiSend，整体原子
func (s *Sweeper) sweepBatch(ctx context.Context, res *Result, chainID *big.Int, chain domain.Chain,
	reader domain.ChainReader, exec domain.TreasuryExecutor, deposits []*domain.Deposit) {

	groups := group(deposits)
	for start := 0; start < len(groups); start += s.cfg.MaxBatch {
		if ctx.Err() != nil {
			return
		}
		end := start + s.cfg.MaxBatch
		if end > len(groups) {
			end = len(groups)
		}
		uctx, cancel := s.detach(ctx)
		s.sweepBatchOnce(uctx, res, chainID, chain, reader, exec, groups[start:end])
		cancel()
	}
}

func (s *Sweeper) sweepBatchOnce(ctx context.Context, res *Result, chainID *big.Int, chain domain.Chain,
	reader domain.ChainReader, exec domain.TreasuryExecutor, groups [][]*domain.Deposit) {

	treasury := exec.Treasury()
	nonces := make(map[common.Address]*big.Int, len(groups))
	var (
		plans []*plan
		calls []domain.SafeCall
	)
	for _, g := range groups {
		err := safe.Run(ctx, func(ctx context.Context) error {
			proxy := common.HexToAddress(g[0].DepositAddr)
			nonce, ok := nonces[proxy]
			if !ok {
				n, err := reader.SafeNonce(ctx, g[0].DepositAddr)
				if err != nil {
					return err
				}
				nonce = n
			}
			p, err := s.build(ctx, chainID, chain, reader, treasury, g, nonce)
			if err != nil {
				return err
			}
			if p == nil {
				for _, d := range g {
					s.empty(ctx, res, d)
				}
				return nil
			}
			c, err := p.calls(treasury)
			if err != nil {
				return err
			}
			// 同一 proxy 的下一组用下一个 nonce
			nonces[proxy] = new(big.Int).Add(nonce, big.NewInt(1))
			plans = append(plans, p)
			calls = append(calls, c...)
			return nil
		})
		if err != nil {
			s.fail(ctx, res, chain.ID, err, g...)
		}
	}
	if len(plans) == 0 {
		return
	}

	all := make([]*domain.Deposit, 0, len(plans))
	for _, p := range plans {
		all = append(all, p.deposits...)
	}
	var sweepTx string
	err := safe.Run(ctx, func(ctx context.Context) (err error) {
		sweepTx, err = exec.Execute(ctx, calls)
		return err
	})
	if err != nil {
		if sweepTx != "" && errors.Is(err, domain.ErrTxPending) {
			s.pending(ctx, res, chain.ID, sweepTx, err, all)
			return
		}
		s.fail(ctx, res, chain.ID, fmt.Errorf("batch sweep: %w", err), all...)
		return
	}
	if err := s.commit(ctx, res, chain.ID, sweepTx, plans...); err != nil {
		logger.Error(ctx, "batch swept on chain but not recorded",
			zap.String("chain_id", chain.ID),
			zap.String("sweep_tx", sweepTx),
			zap.Error(err))
		s.pending(ctx, res, chain.ID, sweepTx, err, all)
	}
}

// commit 交易成功上链后才写 settlement_hash
func (s *Sweeper) commit(ctx context.Context, res *Result, chainID, sweepTx string, plans ...*plan) error {
	var all []*domain.Deposit
	for _, p := range plans {
		all = append(all, p.deposits...)
	}
	if err := s.markSwept(ctx, res, chainID, sweepTx, all); err != nil {
		return err
	}
	for _, p := range plans {
		logger.Info(ctx, "deposit swept",
			zap.String("chain_id", chainID),
			zap.String("proxy", p.proxy.Hex()),
			zap.String("token", p.token.Hex()),
			zap.String("amount", decimal.NewFromBigInt(p.amount, -int32(p.decimals)).String()),
			zap.String("balance_raw", p.balance.String()),
			zap.Strings("tx_hashes", p.txHashes()),
			zap.String("sweep_tx", sweepTx))
	}
	return nil
}

func (s *Sweeper) markSwept(ctx context.Context, res *Result, chainID, sweepTx string, deposits []*domain.Deposit) error {
	hashes := make([]string, 0, len(deposits))
	for _, d := range deposits {
		hashes = append(hashes, d.TxHash)
	}
	if err := s.repo.MarkSwept(ctx, chainID, hashes, sweepTx); err != nil {
		return err
	}
	res.Txs = append(res.Txs, sweepTx)
	res.Swept += len(hashes)
	metrics.DepositsSwept.WithLabelValues(chainID).Add(float64(len(hashes)))
	for _, d := range deposits {
		d.Swept = true
		d.SettlementHash = &sweepTx
		events.Emit(ctx, s.events, domain.EventSwept, d)
	}
	return nil
}

func (s *Sweeper) empty(ctx context.Context, res *Result, d *domain.Deposit) {
	res.Empty++
	logger.Warn(ctx, "proxy balance is zero, nothing to sweep",
		zap.String("chain_id", d.ChainID),
		zap.String("tx_hash", d.TxHash),
		zap.String("proxy", d.DepositAddr),
		zap.String("token", d.TokenAddress))
}

func (s *Sweeper) fail(ctx context.Context, res *Result, chainID string, err error, deposits ...*domain.Deposit) {
	res.Failed += len(deposits)
	metrics.StageErrors.WithLabelValues(stage, chainID).Inc()
	for _, d := range deposits {
		logger.Error(ctx, "sweep failed",
			zap.String("chain_id", chainID),
			zap.String("tx_hash", d.TxHash),
			zap.String("proxy", d.DepositAddr),
			zap.Error(err))
	}
}
