package domain

import "time"

// Portfolio is the singleton aggregate of balances and rolling performance
// statistics. All metric fields are recomputed from the full position ledger
// each cycle, never incrementally patched.
type Portfolio struct {
	ID string

	TotalBalanceUSD     float64
	AvailableBalanceUSD float64
	LockedBalanceUSD    float64

	TotalPnL      float64
	RealizedPnL   float64
	UnrealizedPnL float64
	DailyPnL      float64

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // percent
	AverageWin    float64
	AverageLoss   float64
	ProfitFactor  float64

	MaxDrawdown     float64
	CurrentDrawdown float64

	OpenPositionsCount int
	TotalExposureUSD   float64

	// Risk limits, percent of total balance.
	MaxPositionSizePct float64
	MaxDailyLossPct    float64
	IsTradingEnabled   bool

	LastUpdated time.Time
	CreatedAt   time.Time
}
