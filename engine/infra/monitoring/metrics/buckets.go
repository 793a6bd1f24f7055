package metrics

// ActionDurationBuckets covers worker actions from sub-second checks to long
// maintenance jobs.
var ActionDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// SaveDurationBuckets defines latency buckets for recovery file writes.
var SaveDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
