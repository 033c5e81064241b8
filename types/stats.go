package types

import "time"

// TestFailures counts failures for one test.
type TestFailures struct {
	TestClass  string `json:"testClass"`
	TestMethod string `json:"testMethod"`
	Failures   int    `json:"failures"`
}

// TestDuration is the mean duration of one test across its runs.
type TestDuration struct {
	TestClass      string  `json:"testClass"`
	TestMethod     string  `json:"testMethod"`
	MeanDurationMs float64 `json:"meanDurationMs"`
	Runs           int     `json:"runs"`
}

// DailyPassRate is one day of the pass-rate trend.
type DailyPassRate struct {
	Date     string  `json:"date"` // YYYY-MM-DD
	Runs     int     `json:"runs"`
	PassRate float64 `json:"passRate"` // percent, 0-100
}

// StatisticsSnapshot is a point-in-time aggregate over all run records.
type StatisticsSnapshot struct {
	TotalRuns       int             `json:"totalRuns"`
	Passed          int             `json:"passed"`
	Failed          int             `json:"failed"`
	Skipped         int             `json:"skipped"`
	PassRate        float64         `json:"passRate"` // percent, 0-100
	TopFailingTests []TestFailures  `json:"topFailingTests"`
	DailyTrend      []DailyPassRate `json:"dailyTrend"`
	SlowestTests    []TestDuration  `json:"slowestTests"`
	GeneratedAt     time.Time       `json:"generatedAt"`
	Generation      uint64          `json:"generation"`
}
