package domain

// RiskSeverity grades a risk alert.
type RiskSeverity string

const (
	RiskSeverityLow    RiskSeverity = "LOW"
	RiskSeverityMedium RiskSeverity = "MEDIUM"
	RiskSeverityHigh   RiskSeverity = "HIGH"
)

// RiskAlertType names the limit a risk alert refers to.
type RiskAlertType string

const (
	RiskAlertDailyLoss     RiskAlertType = "DAILY_LOSS_LIMIT"
	RiskAlertPositionSize  RiskAlertType = "POSITION_SIZE_LIMIT"
	RiskAlertTotalExposure RiskAlertType = "TOTAL_EXPOSURE_LIMIT"
)

// RiskAlert is one breached limit.
type RiskAlert struct {
	Type       RiskAlertType
	Severity   RiskSeverity
	Message    string
	PositionID string // set for per-position alerts
}

// RiskReport is the result of one portfolio-level risk evaluation. Status is
// HIGH if any HIGH alert exists, MEDIUM if any alert exists, else LOW. The
// cycle scheduler refuses to open new positions while status is HIGH.
type RiskReport struct {
	Alerts []RiskAlert
	Status RiskSeverity
}

// Blocked reports whether new positions must not be opened.
func (r RiskReport) Blocked() bool {
	return r.Status == RiskSeverityHigh
}
