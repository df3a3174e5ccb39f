package syncgroup

import (
	"sync"
)

// SyncGroup 是 sync.WaitGroup 的包装器：Go() 自动配对 Add/Done，
// 并记录当前仍在运行的 goroutine 数量。
type SyncGroup struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	running int
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Go 启动一个受管理的 goroutine
func (g *SyncGroup) Go(fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	g.mu.Lock()
	g.running++
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
}

// Running 当前仍在运行的 goroutine 数量
func (g *SyncGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Wait 等待所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
