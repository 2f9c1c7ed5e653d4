package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/hdwallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	EnvDev        = "dev"
	EnvTest       = "test"
	EnvProduction = "production"

	GuardMemory = "memory"
	GuardRedis  = "redis"
)

// Config 对应 etc/custody.yaml
type Config struct {
	Name     string         `mapstructure:"name"`
	Env      string         `mapstructure:"env"`
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Mysql    MysqlConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Nats     NatsConfig     `mapstructure:"nats"`
	Trace    TraceConfig    `mapstructure:"trace"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Treasury TreasuryConfig `mapstructure:"treasury"`
	Relayer  RelayerConfig  `mapstructure:"relayer"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Chains   []ChainConfig  `mapstructure:"chains"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"` // 为空只写控制台
}

type HTTPConfig struct {
	Addr  string  `mapstructure:"addr"`
	Rps   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type MysqlConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxIdle     int    `mapstructure:"max_idle"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxLifetime int    `mapstructure:"max_lifetime"` // 秒
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	LogSQL      bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NatsConfig struct {
	URL string `mapstructure:"url"` // 为空用进程内 broker
}

type TraceConfig struct {
	Endpoint string `mapstructure:"endpoint"` // OTLP gRPC，为空不上报
}

type GuardConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type PipelineConfig struct {
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	Cron         CronConfig    `mapstructure:"cron"`
}

// CronConfig 带秒位的 cron 表达式，为空不注册
type CronConfig struct {
	Fetch   string `mapstructure:"fetch"`
	Confirm string `mapstructure:"confirm"`
	Send    string `mapstructure:"send"`
}

type ScannerConfig struct {
	ChunkSize   int `mapstructure:"chunk_size"`
	Concurrency int `mapstructure:"concurrency"`
}

type SweeperConfig struct {
	MaxBatch int `mapstructure:"max_batch"`
}

type TreasuryConfig struct {
	Address   string `mapstructure:"address"`
	MultiSend string `mapstructure:"multisend"` // MultiSendCallOnly 合约，batch 模式必填
}

// RelayerConfig private_key 与 mnemonic 二选一
type RelayerConfig struct {
	PrivateKey  string        `mapstructure:"private_key"`
	Mnemonic    string        `mapstructure:"mnemonic"`
	Index       uint32        `mapstructure:"index"`
	MineTimeout time.Duration `mapstructure:"mine_timeout"`
	GasBumpPct  int           `mapstructure:"gas_bump_pct"`
}

type LedgerConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	SecretKey string        `mapstructure:"secret_key"`
	CompanyID string        `mapstructure:"company_id"`
	Merchant  string        `mapstructure:"merchant"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"` // 为空关闭 /admin
}

type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals uint8  `mapstructure:"decimals"`
}

type ChainConfig struct {
	ID               string        `mapstructure:"id"`
	RPCURL           string        `mapstructure:"rpc_url"`
	MinConfirmations int64         `mapstructure:"min_confirmations"`
	MaxBlockRange    int64         `mapstructure:"max_block_range"`
	StartBlock       int64         `mapstructure:"start_block"`
	LookbackBlocks   int64         `mapstructure:"lookback_blocks"`
	Rps              float64       `mapstructure:"rps"`
	Burst            int           `mapstructure:"burst"`
	SweepMode        string        `mapstructure:"sweep_mode"`
	Tokens           []TokenConfig `mapstructure:"tokens"`
}

// SetDefaults 注册默认值，CUSTODY_ 前缀的环境变量只能覆盖已注册的 key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("name", "custody")
	v.SetDefault("env", EnvDev)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rps", 20)
	v.SetDefault("http.burst", 40)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_idle", 10)
	v.SetDefault("mysql.max_open", 50)
	v.SetDefault("mysql.max_lifetime", 3600)
	v.SetDefault("mysql.auto_migrate", false)
	v.SetDefault("mysql.log_sql", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("trace.endpoint", "")

	v.SetDefault("guard.backend", GuardMemory)
	v.SetDefault("guard.ttl", "15m")

	v.SetDefault("pipeline.stage_timeout", "5m")
	v.SetDefault("pipeline.cron.fetch", "")
	v.SetDefault("pipeline.cron.confirm", "")
	v.SetDefault("pipeline.cron.send", "")

	v.SetDefault("scanner.chunk_size", 100)
	v.SetDefault("scanner.concurrency", 5)
	v.SetDefault("sweeper.max_batch", 20)

	v.SetDefault("treasury.address", "")
	v.SetDefault("treasury.multisend", "")

	v.SetDefault("relayer.private_key", "")
	v.SetDefault("relayer.mnemonic", "")
	v.SetDefault("relayer.index", 0)
	v.SetDefault("relayer.mine_timeout", "3m")
	v.SetDefault("relayer.gas_bump_pct", 20)

	v.SetDefault("ledger.url", "")
	v.SetDefault("ledger.api_key", "")
	v.SetDefault("ledger.secret_key", "")
	v.SetDefault("ledger.company_id", "")
	v.SetDefault("ledger.merchant", "")
	v.SetDefault("ledger.timeout", "15s")

	v.SetDefault("admin.token", "")
}

func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

func (c *Config) HasRelayerKey() bool {
	return c.Relayer.PrivateKey != "" || c.Relayer.Mnemonic != ""
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate 启动前一次性检查，返回所有问题
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Env {
	case EnvDev, EnvTest, EnvProduction:
	default:
		add("env %q must be dev, test or production", c.Env)
	}
	if c.Mysql.DSN == "" {
		add("mysql.dsn is required")
	}

	switch c.Guard.Backend {
	case GuardMemory:
	case GuardRedis:
		if c.Redis.Addr == "" {
			add("guard.backend=redis requires redis.addr")
		}
	default:
		add("guard.backend %q must be memory or redis", c.Guard.Backend)
	}

	for name, spec := range map[string]string{
		"fetch": c.Pipeline.Cron.Fetch, "confirm": c.Pipeline.Cron.Confirm, "send": c.Pipeline.Cron.Send,
	} {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			add("pipeline.cron.%s %q: %v", name, spec, err)
		}
	}

	if !common.IsHexAddress(c.Treasury.Address) {
		add("treasury.address %q is not a hex address", c.Treasury.Address)
	}
	if c.Treasury.MultiSend != "" && !common.IsHexAddress(c.Treasury.MultiSend) {
		add("treasury.multisend %q is not a hex address", c.Treasury.MultiSend)
	}

	if c.Relayer.PrivateKey != "" && c.Relayer.Mnemonic != "" {
		add("relayer.private_key and relayer.mnemonic are mutually exclusive")
	}
	if c.IsProduction() && !c.HasRelayerKey() {
		add("production requires relayer.private_key or relayer.mnemonic")
	}

	if u, err := url.Parse(c.Ledger.URL); c.Ledger.URL == "" || err != nil || u.Host == "" {
		add("ledger.url %q is not a valid url", c.Ledger.URL)
	}

	if len(c.Chains) == 0 {
		add("at least one chain is required")
	}
	seen := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		prefix := fmt.Sprintf("chains[%d]", i)
		if _, err := strconv.ParseUint(ch.ID, 10, 64); err != nil {
			add("%s.id %q must be numeric", prefix, ch.ID)
		}
		if seen[ch.ID] {
			add("%s.id %q is duplicated", prefix, ch.ID)
		}
		seen[ch.ID] = true
		if ch.RPCURL == "" {
			add("%s.rpc_url is required", prefix)
		}
		switch domain.SweepMode(ch.SweepMode) {
		case "", domain.SweepSingle:
		case domain.SweepBatch:
			if c.Treasury.MultiSend == "" {
				add("%s sweep_mode=batch requires treasury.multisend", prefix)
			}
		default:
			add("%s.sweep_mode %q must be single or batch", prefix, ch.SweepMode)
		}
		if len(ch.Tokens) == 0 {
			add("%s has no tokens", prefix)
		}
		for j, t := range ch.Tokens {
			if !common.IsHexAddress(t.Address) {
				add("%s.tokens[%d].address %q is not a hex address", prefix, j, t.Address)
			}
		}
	}

	return errors.Join(errs...)
}

// DomainChain 补齐链级默认值
func (ch ChainConfig) DomainChain() domain.Chain {
	out := domain.Chain{
		ID:               ch.ID,
		MinConfirmations: ch.MinConfirmations,
		StartBlock:       ch.StartBlock,
		LookbackBlocks:   ch.LookbackBlocks,
		SweepMode:        domain.SweepMode(ch.SweepMode),
	}
	if out.MinConfirmations <= 0 {
		out.MinConfirmations = 3
	}
	if out.LookbackBlocks < 0 {
		out.LookbackBlocks = 0
	}
	if out.SweepMode == "" {
		out.SweepMode = domain.SweepSingle
	}
	for _, t := range ch.Tokens {
		out.Tokens = append(out.Tokens, domain.Token{
			Address:  strings.ToLower(t.Address),
			Symbol:   t.Symbol,
			Decimals: t.Decimals,
		})
	}
	return out
}

// RpcLimit 单链 RPC 限速，未配置按 10 rps
func (ch ChainConfig) RpcLimit() (float64, int) {
	rps, burst := ch.Rps, ch.Burst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return rps, burst
}

// RelayerKey 没配置时返回 nil, nil，由调用方决定是否关闭归集
func (c *Config) RelayerKey() (*ecdsa.PrivateKey, error) {
	switch {
	case c.Relayer.PrivateKey != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Relayer.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("relayer.private_key: %w", err)
		}
		return key, nil
	case c.Relayer.Mnemonic != "":
		w, err := hdwallet.New(c.Relayer.Mnemonic)
		if err != nil {
			return nil, fmt.Errorf("relayer.mnemonic: %w", err)
		}
		return w.DeriveKey(c.Relayer.Index)
	}
	return nil, nil
}
