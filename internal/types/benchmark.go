package types

// BenchmarkRow is one recorded day of the benchmark's value curve.
type BenchmarkRow struct {
	Date             string  `yaml:"date" json:"date"`
	ClosePrice       float64 `yaml:"close_price" json:"close_price"`
	CumulativeReturn float64 `yaml:"cumulative_return" json:"cumulative_return"`
	ScaledValue      float64 `yaml:"scaled_value" json:"scaled_value"`
}
