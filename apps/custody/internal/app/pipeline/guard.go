package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// RunState 一个 (stage, chain) 的运行记录，/status 直接输出
type RunState struct {
	Key        string    `json:"key"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       int64     `json:"runs"`
	Skipped    int64     `json:"skipped"`
}

// RunGuard 防止同一个 stage 在同一条链上重入
// ok=false 表示已有一轮在跑，调用方直接返回
type RunGuard interface {
	Acquire(ctx context.Context, key string) (release func(err error), ok bool, err error)
	States() []RunState
}

// MemoryGuard 单实例部署用，CAS 在 xsync.Map.Compute 里完成
type MemoryGuard struct {
	states *xsync.Map[string, RunState]
	now    func() time.Time
}

var _ RunGuard = (*MemoryGuard)(nil)

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		states: xsync.NewMap[string, RunState](),
		now:    time.Now,
	}
}

func (g *MemoryGuard) Acquire(ctx context.Context, key string) (func(err error), bool, error) {
	acquired := false
	g.states.Compute(key, func(old RunState, loaded bool) (RunState, xsync.ComputeOp) {
		old.Key = key
		if old.Running {
			old.Skipped++
			return old, xsync.UpdateOp
		}
		old.Running = true
		old.StartedAt = g.now()
		old.Runs++
		acquired = true
		return old, xsync.UpdateOp
	})
	if !acquired {
		return nil, false, nil
	}
	return func(err error) { g.release(key, err) }, true, nil
}

// skip 分布式锁没抢到时回滚本地状态
func (g *MemoryGuard) skip(key string) {
	g.states.Compute(key, func(old RunState, loaded bool) (RunState, xsync.ComputeOp) {
		old.Running = false
		old.Runs--
		old.Skipped++
		return old, xsync.UpdateOp
	})
}

func (g *MemoryGuard) release(key string, err error) {
	g.states.Compute(key, func(old RunState, loaded bool) (RunState, xsync.ComputeOp) {
		old.Running = false
		old.FinishedAt = g.now()
		old.LastError = ""
		if err != nil {
			old.LastError = err.Error()
		}
		return old, xsync.UpdateOp
	})
}

func (g *MemoryGuard) States() []RunState {
	out := make([]RunState, 0, g.states.Size())
	g.states.Range(func(key string, st RunState) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
