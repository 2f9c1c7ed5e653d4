package pipeline

import (
	"context"
	"fmt"
	"strings"

	"custodex.com/apps/custody/internal/domain"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

// TokenBook 代币精度：配置优先，其次缓存，最后查链
type TokenBook struct {
	readers map[string]domain.ChainReader
	cache   *xsync.Map[string, uint8]
	sf      singleflight.Group
}

var _ domain.TokenDirectory = (*TokenBook)(nil)

func NewTokenBook(chains []ChainRuntime) *TokenBook {
	b := &TokenBook{
		readers: make(map[string]domain.ChainReader, len(chains)),
		cache:   xsync.NewMap[string, uint8](),
	}
	for _, rt := range chains {
		b.readers[rt.Chain.ID] = rt.Reader
		for _, t := range rt.Chain.Tokens {
			if t.Decimals > 0 {
				b.cache.Store(tokenKey(rt.Chain.ID, t.Address), t.Decimals)
			}
		}
	}
	return b
}

func tokenKey(chainID, token string) string {
	return chainID + "|" + strings.ToLower(token)
}

func (b *TokenBook) Decimals(ctx context.Context, chainID, token string) (uint8, error) {
	key := tokenKey(chainID, token)
	if d, ok := b.cache.Load(key); ok {
		return d, nil
	}
	reader, ok := b.readers[chainID]
	if !ok {
		return 0, fmt.Errorf("unknown chain %s", chainID)
	}

	// 同一个代币并发查询只打一次 RPC
	v, err, _ := b.sf.Do(key, func() (interface{}, error) {
		d, err := reader.TokenDecimals(ctx, token)
		if err != nil {
			return uint8(0), err
		}
		b.cache.Store(key, d)
		return d, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint8), nil
}
