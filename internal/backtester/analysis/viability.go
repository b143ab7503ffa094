// Package analysis assesses whether a completed run's metrics clear the
// bar for live deployment: same threshold/scoring shape as the live
// trading desk's viability checker, now reading the float64
// PerformanceMetrics and RiskMetrics the core engine produces plus an
// optional walkforward.Result rather than decimal-based types.
package analysis

import (
	"strconv"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/internal/backtester/walkforward"
)

// ViabilityThresholds defines the minimum requirements for a viable
// strategy.
type ViabilityThresholds struct {
	MinSharpeRatio  float64
	MaxDrawdown     float64
	MinProfitFactor float64
	MinWinRate      float64
	MinTrades       int

	MaxVaR95        float64
	MinSortinoRatio float64
	MinCalmarRatio  float64

	MinExpectancy     float64
	MinRecoveryFactor float64

	MinWFConsistency float64
	MinWFSharpe      float64
}

// DefaultViabilityThresholds returns conservative default thresholds.
func DefaultViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:    0.5,
		MaxDrawdown:       0.20,
		MinProfitFactor:   1.5,
		MinWinRate:        0.40,
		MinTrades:         30,
		MaxVaR95:          0.05,
		MinSortinoRatio:   0.8,
		MinCalmarRatio:    0.5,
		MinExpectancy:     0,
		MinRecoveryFactor: 1.0,
		MinWFConsistency:  0.60,
		MinWFSharpe:       0.3,
	}
}

// AggressiveViabilityThresholds suits a higher risk tolerance.
func AggressiveViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:    0.3,
		MaxDrawdown:       0.30,
		MinProfitFactor:   1.2,
		MinWinRate:        0.35,
		MinTrades:         20,
		MaxVaR95:          0.08,
		MinSortinoRatio:   0.5,
		MinCalmarRatio:    0.3,
		MinExpectancy:     0,
		MinRecoveryFactor: 0.5,
		MinWFConsistency:  0.50,
		MinWFSharpe:       0.2,
	}
}

// ConservativeViabilityThresholds suits a low risk tolerance.
func ConservativeViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:    1.0,
		MaxDrawdown:       0.10,
		MinProfitFactor:   2.0,
		MinWinRate:        0.50,
		MinTrades:         50,
		MaxVaR95:          0.03,
		MinSortinoRatio:   1.5,
		MinCalmarRatio:    1.0,
		MinExpectancy:     0.001,
		MinRecoveryFactor: 2.0,
		MinWFConsistency:  0.75,
		MinWFSharpe:       0.5,
	}
}

// ViabilityIssue is a specific problem found with the strategy.
type ViabilityIssue struct {
	Metric      string
	Actual      float64
	Required    float64
	Severity    string // "critical", "warning", "info"
	Description string
	Suggestion  string
}

// ViabilityReport is the full viability assessment.
type ViabilityReport struct {
	IsViable  bool
	Score     int
	Grade     string
	Issues    []ViabilityIssue
	Strengths []string
	Summary   string

	ReturnScore      int
	RiskScore        int
	ConsistencyScore int
	RobustnessScore  int

	GeneratedAt time.Time
}

// ViabilityChecker assesses strategy viability against a threshold set.
type ViabilityChecker struct {
	thresholds *ViabilityThresholds
}

// NewViabilityChecker creates a viability checker; nil thresholds falls
// back to DefaultViabilityThresholds.
func NewViabilityChecker(thresholds *ViabilityThresholds) *ViabilityChecker {
	if thresholds == nil {
		thresholds = DefaultViabilityThresholds()
	}
	return &ViabilityChecker{thresholds: thresholds}
}

// Check runs the full set of threshold and scoring checks over a
// completed run's metrics. wf may be nil when no walk-forward analysis
// was run.
func (vc *ViabilityChecker) Check(metrics backtester.PerformanceMetrics, risk backtester.RiskMetrics, wf *walkforward.Result) *ViabilityReport {
	report := &ViabilityReport{GeneratedAt: time.Now()}

	vc.checkSharpeRatio(metrics, report)
	vc.checkMaxDrawdown(metrics, report)
	vc.checkProfitFactor(metrics, report)
	vc.checkWinRate(metrics, report)
	vc.checkTradeCount(metrics, report)
	vc.checkVaR(risk, report)
	vc.checkSortinoRatio(metrics, report)
	vc.checkCalmarRatio(metrics, report)
	vc.checkExpectancy(metrics, report)
	vc.checkRecoveryFactor(metrics, report)
	if wf != nil {
		vc.checkWalkForward(wf, report)
	}

	report.ReturnScore = vc.calculateReturnScore(metrics)
	report.RiskScore = vc.calculateRiskScore(metrics, risk)
	report.ConsistencyScore = vc.calculateConsistencyScore(metrics)
	report.RobustnessScore = vc.calculateRobustnessScore(wf)

	report.Score = (report.ReturnScore*30 + report.RiskScore*30 +
		report.ConsistencyScore*20 + report.RobustnessScore*20) / 100

	report.Grade = vc.scoreToGrade(report.Score)
	report.IsViable = !vc.hasCriticalIssues(report.Issues) && report.Score >= 60
	report.Summary = vc.generateSummary(report)

	return report
}

func (vc *ViabilityChecker) checkSharpeRatio(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.SharpeRatio < vc.thresholds.MinSharpeRatio {
		severity := "warning"
		if m.SharpeRatio < 0 {
			severity = "critical"
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Sharpe Ratio", Actual: m.SharpeRatio, Required: vc.thresholds.MinSharpeRatio,
			Severity: severity, Description: "Risk-adjusted return is below threshold",
			Suggestion: "Consider reducing trade frequency or improving entry signals",
		})
	} else if m.SharpeRatio > 1.5 {
		report.Strengths = append(report.Strengths, "Excellent risk-adjusted returns (Sharpe > 1.5)")
	}
}

func (vc *ViabilityChecker) checkMaxDrawdown(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.MaxDrawdown > vc.thresholds.MaxDrawdown {
		severity := "warning"
		if m.MaxDrawdown > 0.30 {
			severity = "critical"
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Max Drawdown", Actual: m.MaxDrawdown, Required: vc.thresholds.MaxDrawdown,
			Severity: severity, Description: "Maximum drawdown exceeds acceptable level",
			Suggestion: "Consider tighter stop losses or smaller position sizes",
		})
	} else if m.MaxDrawdown < 0.10 {
		report.Strengths = append(report.Strengths, "Low drawdown risk (< 10%)")
	}
}

func (vc *ViabilityChecker) checkProfitFactor(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.ProfitFactor < vc.thresholds.MinProfitFactor {
		severity := "warning"
		if m.ProfitFactor < 1.0 {
			severity = "critical"
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Profit Factor", Actual: m.ProfitFactor, Required: vc.thresholds.MinProfitFactor,
			Severity: severity, Description: "Profit factor is below threshold",
			Suggestion: "Focus on improving win size or reducing loss size",
		})
	} else if m.ProfitFactor > 2.0 {
		report.Strengths = append(report.Strengths, "Strong profit factor (> 2.0)")
	}
}

func (vc *ViabilityChecker) checkWinRate(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.WinRate < vc.thresholds.MinWinRate {
		severity := "warning"
		if m.WinRate < 0.30 {
			severity = "critical"
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Win Rate", Actual: m.WinRate, Required: vc.thresholds.MinWinRate,
			Severity: severity, Description: "Win rate is below threshold",
			Suggestion: "Consider stricter entry criteria or better market filtering",
		})
	} else if m.WinRate > 0.60 {
		report.Strengths = append(report.Strengths, "High win rate (> 60%)")
	}
}

func (vc *ViabilityChecker) checkTradeCount(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.TotalTrades < vc.thresholds.MinTrades {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Trade Count", Actual: float64(m.TotalTrades), Required: float64(vc.thresholds.MinTrades),
			Severity: "warning", Description: "Insufficient trades for statistical significance",
			Suggestion: "Extend backtest period or reduce filter strictness",
		})
	}
}

func (vc *ViabilityChecker) checkVaR(risk backtester.RiskMetrics, report *ViabilityReport) {
	if risk.VaR95 > vc.thresholds.MaxVaR95 {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "VaR 95%", Actual: risk.VaR95, Required: vc.thresholds.MaxVaR95,
			Severity: "warning", Description: "Value at risk exceeds acceptable level",
			Suggestion: "Reduce position sizes or use tighter stops",
		})
	}
}

func (vc *ViabilityChecker) checkSortinoRatio(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.SortinoRatio < vc.thresholds.MinSortinoRatio {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Sortino Ratio", Actual: m.SortinoRatio, Required: vc.thresholds.MinSortinoRatio,
			Severity: "info", Description: "Downside risk-adjusted return could be better",
			Suggestion: "Focus on reducing losing trade sizes",
		})
	} else if m.SortinoRatio > 2.0 {
		report.Strengths = append(report.Strengths, "Excellent downside protection (Sortino > 2.0)")
	}
}

func (vc *ViabilityChecker) checkCalmarRatio(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.CalmarRatio < vc.thresholds.MinCalmarRatio {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Calmar Ratio", Actual: m.CalmarRatio, Required: vc.thresholds.MinCalmarRatio,
			Severity: "info", Description: "Return relative to drawdown could be better",
			Suggestion: "Improve returns or reduce maximum drawdown",
		})
	}
}

func (vc *ViabilityChecker) checkExpectancy(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.Expectancy <= vc.thresholds.MinExpectancy {
		severity := "warning"
		if m.Expectancy < 0 {
			severity = "critical"
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Expectancy", Actual: m.Expectancy, Required: vc.thresholds.MinExpectancy,
			Severity: severity, Description: "Expected value per trade is too low or negative",
			Suggestion: "Strategy needs fundamental improvement",
		})
	}
}

func (vc *ViabilityChecker) checkRecoveryFactor(m backtester.PerformanceMetrics, report *ViabilityReport) {
	if m.MaxDrawdown == 0 {
		return
	}
	recoveryFactor := m.TotalReturn / m.MaxDrawdown
	if recoveryFactor < vc.thresholds.MinRecoveryFactor {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Recovery Factor", Actual: recoveryFactor, Required: vc.thresholds.MinRecoveryFactor,
			Severity: "info", Description: "Returns don't justify the drawdown risk",
			Suggestion: "Consider if the risk is worth the potential reward",
		})
	}
}

func (vc *ViabilityChecker) checkWalkForward(wf *walkforward.Result, report *ViabilityReport) {
	if wf == nil || len(wf.Windows) == 0 {
		return
	}
	profitableWindows := 0
	var totalSharpe float64
	for _, w := range wf.Windows {
		if w.OutSample.TotalReturn > 0 {
			profitableWindows++
		}
		totalSharpe += w.OutSample.SharpeRatio
	}
	consistency := float64(profitableWindows) / float64(len(wf.Windows))
	avgSharpe := totalSharpe / float64(len(wf.Windows))

	if consistency < vc.thresholds.MinWFConsistency {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Walk-Forward Consistency", Actual: consistency, Required: vc.thresholds.MinWFConsistency,
			Severity: "warning", Description: "Strategy is inconsistent across different time periods",
			Suggestion: "Strategy may be overfit to specific market conditions",
		})
	} else {
		report.Strengths = append(report.Strengths, "Consistent out-of-sample performance")
	}

	if avgSharpe < vc.thresholds.MinWFSharpe {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: "Walk-Forward Sharpe", Actual: avgSharpe, Required: vc.thresholds.MinWFSharpe,
			Severity: "warning", Description: "Out-of-sample Sharpe ratio is low",
			Suggestion: "Strategy may perform worse live than the backtest suggests",
		})
	}
}

func (vc *ViabilityChecker) calculateReturnScore(m backtester.PerformanceMetrics) int {
	score := 50
	if m.SharpeRatio > 0 {
		score += int(minFloat(30, m.SharpeRatio*20))
	} else {
		score -= 20
	}
	if m.SortinoRatio > 0 {
		score += int(minFloat(20, m.SortinoRatio*10))
	}
	return clamp(score, 0, 100)
}

func (vc *ViabilityChecker) calculateRiskScore(m backtester.PerformanceMetrics, risk backtester.RiskMetrics) int {
	score := 100
	score -= int(m.MaxDrawdown * 200)
	score -= int(risk.VaR95 * 300)
	return clamp(score, 0, 100)
}

func (vc *ViabilityChecker) calculateConsistencyScore(m backtester.PerformanceMetrics) int {
	score := int(m.WinRate * 60)
	if m.ProfitFactor > 1 {
		score += int(minFloat(40, (m.ProfitFactor-1)*20))
	}
	switch {
	case m.TotalTrades >= 100:
		score += 20
	case m.TotalTrades >= 50:
		score += 15
	case m.TotalTrades >= 30:
		score += 10
	}
	return clamp(score, 0, 100)
}

func (vc *ViabilityChecker) calculateRobustnessScore(wf *walkforward.Result) int {
	if wf == nil || len(wf.Windows) == 0 {
		return 50
	}
	profitable := 0
	for _, w := range wf.Windows {
		if w.OutSample.TotalReturn > 0 {
			profitable++
		}
	}
	return int(float64(profitable) / float64(len(wf.Windows)) * 100)
}

func (vc *ViabilityChecker) scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func (vc *ViabilityChecker) hasCriticalIssues(issues []ViabilityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

func (vc *ViabilityChecker) generateSummary(report *ViabilityReport) string {
	if !report.IsViable {
		criticalCount := 0
		for _, issue := range report.Issues {
			if issue.Severity == "critical" {
				criticalCount++
			}
		}
		if criticalCount > 0 {
			return "Strategy is NOT viable for trading. Found " + strconv.Itoa(criticalCount) +
				" critical issues that must be addressed."
		}
		return "Strategy does not meet minimum viability requirements. Consider fundamental changes."
	}

	switch report.Grade {
	case "A":
		return "Excellent strategy with strong risk-adjusted returns and consistency. Ready for paper trading."
	case "B":
		return "Good strategy with acceptable metrics. Consider paper trading before live deployment."
	case "C":
		return "Adequate strategy but monitor closely. Address warnings before scaling up."
	case "D":
		return "Marginally viable strategy. Significant improvements recommended before trading."
	default:
		return "Strategy needs substantial work before it can be considered for trading."
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(value, minVal, maxVal int) int {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}
