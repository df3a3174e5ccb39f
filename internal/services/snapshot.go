package services

import (
	"fmt"
	"time"

	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/metrics"
	"github.com/betbot/gorecon/internal/reconcile"
	"github.com/betbot/gorecon/pkg/persistence"
)

// ForensicSnapshot 对账成功后保存的缓存视图，只用于事后排查。
// 启动时从不读取它来恢复缓存：缓存只能由权威端的快照填充。
type ForensicSnapshot struct {
	SavedAt      time.Time           `json:"saved_at"`
	OwnershipTag int64               `json:"ownership_tag"`
	View         reconcile.CacheView `json:"view"`
	Result       *domain.SyncResult  `json:"result,omitempty"`
}

const (
	snapshotPrefix = "snapshot"
	snapshotLatest = "latest"
)

func snapshotStore(svc persistence.Service, tag int64) persistence.Store {
	return svc.NewStore(snapshotPrefix, fmt.Sprintf("%d", tag), snapshotLatest)
}

// SaveSnapshot 保存最新的取证快照
func SaveSnapshot(svc persistence.Service, snap ForensicSnapshot) error {
	if svc == nil {
		return nil
	}
	if err := snapshotStore(svc, snap.OwnershipTag).Save(snap); err != nil {
		return err
	}
	metrics.SnapshotSaves.Add(1)
	return nil
}

// LoadSnapshot 读取最新的取证快照（inspect 命令使用）
func LoadSnapshot(svc persistence.Service, tag int64) (*ForensicSnapshot, error) {
	var snap ForensicSnapshot
	if err := snapshotStore(svc, tag).Load(&snap); err != nil {
		return nil, err
	}
	metrics.SnapshotLoads.Add(1)
	return &snap, nil
}
