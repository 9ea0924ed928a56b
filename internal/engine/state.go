package engine

import (
	"klinehub/internal/aggregate"
	"klinehub/internal/history"
	"klinehub/internal/telemetry"
)

// State 是引擎生命周期内共享的进程级状态：遥测、收盘账本、回填任务表。
// 启动时创建，关闭时随引擎一起丢弃。
type State struct {
	Registry *telemetry.Registry
	Ledger   *aggregate.Ledger
	Jobs     *history.Jobs
}

func NewState(ledgerCapacity int) *State {
	if ledgerCapacity <= 0 {
		ledgerCapacity = aggregate.DefaultLedgerCapacity
	}
	return &State{
		Registry: telemetry.NewRegistry(),
		Ledger:   aggregate.NewLedger(ledgerCapacity),
		Jobs:     history.NewJobs(),
	}
}
