package scanner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"custodex.com/apps/custody/internal/app/events"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/metrics"
	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

const stage = "scan"

type Config struct {
	ChunkSize   int // 每批地址数
	Concurrency int // 单条链同时在途的 TransferLogs 请求数
}

// Result 一条链一轮扫描的统计
type Result struct {
	ChainID   string
	From, To  int64
	Addresses int
	Failed    int  // 查询失败、下轮重试的地址数
	Retry     bool // 本轮从上次的补扫起点开始
	Found     int  // 去重后的新转账
	Inserted  int64
}

type Scanner struct {
	cfg    Config
	repo   domain.ScanRepo
	events domain.EventPublisher
}

func New(cfg Config, repo domain.ScanRepo, pub domain.EventPublisher) *Scanner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Scanner{cfg: cfg, repo: repo, events: pub}
}

// ScanChain 从水位扫到链头，把未记录的入账写成 Detected
// 单个地址失败只记日志，补扫起点落库，下一轮所有地址从这里重扫
func (s *Scanner) ScanChain(ctx context.Context, chain domain.Chain, reader domain.ChainReader) (*Result, error) {
	res := &Result{ChainID: chain.ID}

	addrs, err := s.repo.ListWalletAddresses(ctx, chain.ID)
	if err != nil {
		return res, err
	}
	res.Addresses = len(addrs)
	tokens := chain.TokenAddresses()
	if len(addrs) == 0 || len(tokens) == 0 {
		return res, nil
	}

	watermark, err := s.repo.Watermark(ctx, chain.ID)
	if err != nil {
		return res, err
	}
	retryFrom, retrying, err := s.repo.RetryFrom(ctx, chain.ID)
	if err != nil {
		return res, err
	}
	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return res, err
	}
	res.From, res.To = startBlock(chain, watermark), head
	if retrying && retryFrom < res.From {
		res.From = retryFrom
	}
	res.Retry = retrying
	if res.From > head {
		return res, nil
	}

	transfers, failed := s.fetch(ctx, chain.ID, reader, addrs, tokens, res.From, head)
	res.Failed = failed

	// 先记补扫起点再写入，写入会推高水位
	if failed > 0 {
		if err := s.repo.SetRetryFrom(ctx, chain.ID, res.From); err != nil {
			return res, err
		}
		logger.Warn(ctx, "scan incomplete, will rescan",
			zap.String("chain_id", chain.ID),
			zap.Int("failed", failed),
			zap.Int64("retry_from", res.From))
	}

	if err := s.record(ctx, chain.ID, transfers, res); err != nil {
		return res, err
	}

	if failed == 0 && retrying {
		if err := s.repo.ClearRetryFrom(ctx, chain.ID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// record 去重后写库，只为确实由本轮写入的行发事件
func (s *Scanner) record(ctx context.Context, chainID string, transfers []domain.Transfer, res *Result) error {
	fresh, err := s.dedupe(ctx, chainID, transfers)
	if err != nil {
		return err
	}
	res.Found = len(fresh)
	if len(fresh) == 0 {
		return nil
	}

	res.Inserted, err = s.repo.InsertDeposits(ctx, fresh)
	if err != nil {
		return err
	}
	metrics.DepositsDetected.WithLabelValues(chainID).Add(float64(res.Inserted))
	if res.Inserted != int64(len(fresh)) {
		// 另一个实例抢先写入了部分行，分不清是哪些，事件留给写入方
		logger.Warn(ctx, "some deposits inserted concurrently, events skipped",
			zap.String("chain_id", chainID),
			zap.Int("found", len(fresh)),
			zap.Int64("inserted", res.Inserted))
		return nil
	}
	for _, d := range fresh {
		logger.Info(ctx, "deposit detected",
			zap.String("chain_id", d.ChainID),
			zap.String("tx_hash", d.TxHash),
			zap.String("deposit_addr", d.DepositAddr),
			zap.String("token", d.TokenAddress),
			zap.String("amount_raw", d.AmountRaw),
			zap.Int64("block", d.BlockNumber))
		events.Emit(ctx, s.events, domain.EventDetected, d)
	}
	return nil
}

// startBlock 水位往回退 lookback 个块，没有记录时从配置的起始块开始
func startBlock(chain domain.Chain, watermark int64) int64 {
	if watermark == 0 {
		return chain.StartBlock
	}
	from := watermark - chain.LookbackBlocks
	if from < 0 {
		from = 0
	}
	return from
}

// fetch 地址按 ChunkSize 分批，每批在 pond 池里并发拉日志
func (s *Scanner) fetch(ctx context.Context, chainID string, reader domain.ChainReader,
	addrs, tokens []string, from, to int64) ([]domain.Transfer, int) {

	pool := pond.NewPool(s.cfg.Concurrency)

	var (
		mu     sync.Mutex
		out    []domain.Transfer
		failed int64
	)
	for start := 0; start < len(addrs); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(addrs) {
			end = len(addrs)
		}

		group := pool.NewGroupContext(ctx)
		for _, addr := range addrs[start:end] {
			group.Submit(func() {
				found, err := reader.TransferLogs(group.Context(), addr, tokens, from, to)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					metrics.StageErrors.WithLabelValues(stage, chainID).Inc()
					logger.Warn(ctx, "fetch transfers failed",
						zap.String("chain_id", chainID),
						zap.String("addr", addr),
						zap.Int64("from", from),
						zap.Int64("to", to),
						zap.Error(err))
					return
				}
				mu.Lock()
				out = append(out, found...)
				mu.Unlock()
			})
		}
		if err := group.Wait(); err != nil {
			// ctx 取消，剩下的批次不再提交
			logger.Warn(ctx, "scan aborted", zap.String("chain_id", chainID), zap.Error(err))
			atomic.AddInt64(&failed, int64(len(addrs)-end))
			break
		}
	}
	// 等在途任务全部退出后再读结果
	pool.StopAndWait()
	return out, int(atomic.LoadInt64(&failed))
}

// dedupe 同一 tx 只保留一条，再剔除库里已有的
func (s *Scanner) dedupe(ctx context.Context, chainID string, transfers []domain.Transfer) ([]*domain.Deposit, error) {
	if len(transfers) == 0 {
		return nil, nil
	}
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].BlockNumber != transfers[j].BlockNumber {
			return transfers[i].BlockNumber < transfers[j].BlockNumber
		}
		return transfers[i].LogIndex < transfers[j].LogIndex
	})

	byHash := make(map[string]domain.Transfer, len(transfers))
	hashes := make([]string, 0, len(transfers))
	for _, tr := range transfers {
		h := strings.ToLower(tr.TxHash)
		if prev, ok := byHash[h]; ok {
			if prev.LogIndex != tr.LogIndex {
				logger.Warn(ctx, "multiple transfers in one tx, keeping the first",
					zap.String("chain_id", chainID),
					zap.String("tx_hash", h),
					zap.Uint("kept_log", prev.LogIndex),
					zap.Uint("dropped_log", tr.LogIndex))
			}
			continue
		}
		byHash[h] = tr
		hashes = append(hashes, h)
	}

	existing, err := s.repo.ExistingTxHashes(ctx, chainID, hashes)
	if err != nil {
		return nil, err
	}

	fresh := make([]*domain.Deposit, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := existing[h]; ok {
			continue
		}
		tr := byHash[h]
		fresh = append(fresh, &domain.Deposit{
			TxHash:       h,
			ChainID:      chainID,
			DepositAddr:  strings.ToLower(tr.To),
			TokenAddress: strings.ToLower(tr.Token),
			AmountRaw:    tr.Amount.String(),
			BlockNumber:  tr.BlockNumber,
		})
	}
	return fresh, nil
}
