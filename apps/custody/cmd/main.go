package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"custodex.com/apps/custody/config"
	"custodex.com/apps/custody/internal/app/confirmer"
	"custodex.com/apps/custody/internal/app/pipeline"
	"custodex.com/apps/custody/internal/app/scanner"
	"custodex.com/apps/custody/internal/app/settler"
	"custodex.com/apps/custody/internal/app/sweeper"
	"custodex.com/apps/custody/internal/core/router"
	"custodex.com/apps/custody/internal/infra/broker"
	"custodex.com/apps/custody/internal/infra/ethereum"
	"custodex.com/apps/custody/internal/infra/ledger"
	"custodex.com/apps/custody/internal/infra/persistence"
	"custodex.com/pkg/bootstrap"
	pkgconfig "custodex.com/pkg/config"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/orm"
	"custodex.com/pkg/ratelimit"
	"custodex.com/pkg/safe"
	"custodex.com/pkg/trace"
	"custodex.com/pkg/xredis"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	configFile = flag.String("f", "etc/custody.yaml", "the config file")
	pprofAddr  = flag.String("pprof", "", "pprof listen address, empty to disable")
)

func main() {
	flag.Parse()

	// 1. 加载配置，日志级别支持热更新
	var c config.Config
	_, err := pkgconfig.LoadAndWatch("custody", &c,
		pkgconfig.WithFile(*configFile),
		pkgconfig.WithDefaults(config.SetDefaults),
		pkgconfig.OnReload(func(v *viper.Viper) {
			if err := logger.SetLevel(v.GetString("log.level")); err != nil {
				log.Printf("reload log level: %v", err)
			}
		}),
	)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := c.Validate(); err != nil {
		log.Fatalf("invalid config:\n%v", err)
	}

	logger.InitWithFile(c.Name, c.Log.Level, c.Log.File)
	defer func() { _ = logger.Log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 启动依赖，组装流水线
	err = bootstrap.Run(ctx, bootstrap.Options{
		ServiceName: c.Name,
		InitTracer: func() (func(context.Context) error, error) {
			return trace.InitTrace(c.Name, c.Trace.Endpoint)
		},
		BuildDB: func(ctx context.Context) (*gorm.DB, error) {
			return orm.NewMySQL(&orm.Config{
				DSN:         c.Mysql.DSN,
				MaxIdle:     c.Mysql.MaxIdle,
				MaxOpen:     c.Mysql.MaxOpen,
				MaxLifetime: c.Mysql.MaxLifetime,
				LogSQL:      c.Mysql.LogSQL,
			})
		},
		BuildRedis: func(ctx context.Context) (*redis.Client, error) {
			if c.Redis.Addr == "" {
				return nil, nil
			}
			return xredis.NewRedis(&xredis.Config{
				Addr:     c.Redis.Addr,
				Password: c.Redis.Password,
				DB:       c.Redis.DB,
			})
		},
		BuildApp: func(ctx context.Context, deps bootstrap.Deps) (*bootstrap.App, error) {
			return buildApp(ctx, &c, deps)
		},
		PprofAddr:       *pprofAddr,
		ShutdownTimeout: c.Pipeline.StageTimeout + 30*time.Second,
	})
	if err != nil {
		logger.Error(context.Background(), "custody exited", zap.Error(err))
		log.Fatal(err)
	}
}

func buildApp(ctx context.Context, c *config.Config, deps bootstrap.Deps) (*bootstrap.App, error) {
	repo := persistence.New(deps.DB)
	if c.Mysql.AutoMigrate {
		if err := repo.AutoMigrate(ctx); err != nil {
			return nil, err
		}
	}

	// 事件：配置了 NATS 就发到 NATS，否则进程内
	var b broker.Broker
	if c.Nats.URL != "" {
		nb, err := broker.NewNatsBroker(c.Nats.URL)
		if err != nil {
			return nil, err
		}
		b = nb
	} else {
		b = broker.NewMemBroker()
	}
	events := broker.NewPublisher(b)
	auditor := broker.NewAuditor(b)

	relayerKey, err := c.RelayerKey()
	if err != nil {
		return nil, err
	}
	if relayerKey == nil {
		logger.Warn(ctx, "no relayer key configured, sweeping disabled", zap.String("env", c.Env))
	}

	chains, err := buildChains(ctx, c, relayerKey)
	if err != nil {
		return nil, err
	}
	tokens := pipeline.NewTokenBook(chains)

	breakers := ratelimit.NewManager(ratelimit.Rule{
		TripConsecutiveFailures: 5,
		Timeout:                 time.Minute,
	}, nil)
	ledgerClient := ledger.New(ledger.Config{
		URL:       c.Ledger.URL,
		APIKey:    c.Ledger.APIKey,
		SecretKey: c.Ledger.SecretKey,
		CompanyID: c.Ledger.CompanyID,
		Merchant:  c.Ledger.Merchant,
		Timeout:   c.Ledger.Timeout,
	}, breakers)

	var guard pipeline.RunGuard = pipeline.NewMemoryGuard()
	if c.Guard.Backend == config.GuardRedis {
		guard = pipeline.NewRedisGuard(deps.Redis, c.Guard.TTL)
	}

	p := pipeline.New(chains, pipeline.Stages{
		Scanner: scanner.New(scanner.Config{
			ChunkSize:   c.Scanner.ChunkSize,
			Concurrency: c.Scanner.Concurrency,
		}, repo, events),
		Confirmer: confirmer.New(repo, events),
		Sweeper: sweeper.New(sweeper.Config{
			MaxBatch:    c.Sweeper.MaxBatch,
			UnitTimeout: 2*c.Relayer.MineTimeout + time.Minute,
		}, repo, tokens, events),
		Settler: settler.New(repo, ledgerClient, tokens, events),
	}, guard, c.Pipeline.StageTimeout)

	scheduler, err := pipeline.NewScheduler(p, pipeline.CronSpecs{
		Fetch:   c.Pipeline.Cron.Fetch,
		Confirm: c.Pipeline.Cron.Confirm,
		Send:    c.Pipeline.Cron.Send,
	}, 2*c.Pipeline.StageTimeout)
	if err != nil {
		return nil, err
	}

	httpLimiter := ratelimit.NewStore(rate.Limit(c.HTTP.Rps), c.HTTP.Burst, 10*time.Minute)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	httpLimiter.StartJanitor(janitorCtx, time.Minute)
	auditCtx, stopAudit := context.WithCancel(context.Background())

	engine := router.New(router.Deps{
		Service:    c.Name,
		Runner:     p,
		Holds:      repo,
		Limiter:    httpLimiter,
		AdminToken: c.Admin.Token,
	})

	return &bootstrap.App{
		HTTP: router.NewServer(c.HTTP.Addr, engine, c.Pipeline.StageTimeout),
		OnStart: func() {
			safe.GoCtx(auditCtx, func(ctx context.Context) {
				if err := auditor.Run(ctx); err != nil {
					logger.Error(ctx, "deposit auditor stopped", zap.Error(err))
				}
			})
			if scheduler.Entries() > 0 {
				scheduler.Start()
				logger.Info(ctx, "cron scheduler started", zap.Int("jobs", scheduler.Entries()))
			}
		},
		OnStop: func(ctx context.Context) {
			scheduler.Stop(ctx)
			stopJanitor()
			stopAudit()
			if err := b.Close(); err != nil {
				logger.Warn(ctx, "close broker", zap.Error(err))
			}
		},
	}, nil
}

// buildChains 每条链一个 ethclient，带独立的 RPC 限速
// relayerKey 为 nil 时不创建 relayer，该链只扫描和确认
func buildChains(ctx context.Context, c *config.Config, relayerKey *ecdsa.PrivateKey) ([]pipeline.ChainRuntime, error) {
	treasury := common.HexToAddress(c.Treasury.Address)
	var multiSend common.Address
	if c.Treasury.MultiSend != "" {
		multiSend = common.HexToAddress(c.Treasury.MultiSend)
	}

	out := make([]pipeline.ChainRuntime, 0, len(c.Chains))
	for _, cc := range c.Chains {
		client, err := ethereum.Dial(ctx, cc.RPCURL, cc.ID, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.ID, err)
		}
		rps, burst := cc.RpcLimit()
		limiter := ratelimit.NewStore(rate.Limit(rps), burst, 0)
		adapter := ethereum.NewAdapter(cc.ID, client, limiter, cc.MaxBlockRange)

		rt := pipeline.ChainRuntime{Chain: cc.DomainChain(), Reader: adapter}
		if relayerKey != nil {
			chainID, _ := new(big.Int).SetString(cc.ID, 10)
			relayer, err := ethereum.NewRelayer(adapter, client, ethereum.RelayerConfig{
				ChainID:     chainID,
				Treasury:    treasury,
				MultiSend:   multiSend,
				Key:         relayerKey,
				MineTimeout: c.Relayer.MineTimeout,
				GasBumpPct:  uint64(c.Relayer.GasBumpPct),
			})
			if err != nil {
				return nil, fmt.Errorf("chain %s relayer: %w", cc.ID, err)
			}
			rt.Executor = relayer
			logger.Info(ctx, "relayer ready",
				zap.String("chain_id", cc.ID),
				zap.String("from", relayer.From().Hex()),
				zap.String("treasury", treasury.Hex()))
		}
		out = append(out, rt)
	}
	return out, nil
}
