// Package metrics 通过 expvar 暴露对账与下单的计数器（/debug/vars）。
package metrics

import (
	"expvar"

	"github.com/betbot/gorecon/internal/domain"
)

var (
	ReconcileRuns      = expvar.NewInt("reconcile_runs")
	ReconcileErrors    = expvar.NewInt("reconcile_errors")
	PositionsRecovered = expvar.NewInt("positions_recovered")
	PositionsClosed    = expvar.NewInt("positions_closed")
	FieldsCorrected    = expvar.NewInt("fields_corrected")
	CachedPositions    = expvar.NewInt("cached_positions")

	StartupAttempts = expvar.NewInt("startup_attempts")

	SnapshotSaves = expvar.NewInt("snapshot_saves")
	SnapshotLoads = expvar.NewInt("snapshot_loads")

	OrdersSubmitted = expvar.NewInt("orders_submitted")
	OrdersFilled    = expvar.NewInt("orders_filled")
	OrdersRejected  = expvar.NewInt("orders_rejected") // 本地拒绝：校验/熔断/去重
	OrdersFailed    = expvar.NewInt("orders_failed")   // 传输失败或权威端 ERROR

	TicksReceived = expvar.NewInt("ticks_received")
)

// ObserveSyncResult 累加一次对账结果（注册为引擎的 ResultObserver）
func ObserveSyncResult(res *domain.SyncResult) {
	if res == nil {
		return
	}
	ReconcileRuns.Add(1)
	if res.Degraded() {
		ReconcileErrors.Add(1)
		return
	}
	PositionsRecovered.Add(int64(res.Recovered))
	PositionsClosed.Add(int64(res.Closed))
	FieldsCorrected.Add(int64(res.Corrected))
}
