package training

import (
	"fmt"
	"strings"
	"time"
)

// EpochMeans holds a mean total loss and mean per-component losses
type EpochMeans struct {
	Loss       float64
	Components map[string]float64
}

// MetricAccumulator keeps item-weighted running sums of the loss and its
// components for a single epoch. Both raw sums and both denominators (item
// count and batch count) stay available because they answer different questions.
type MetricAccumulator struct {
	lossSum       float64
	componentSums map[string]float64
	order         []string // first-seen component order
	items         int
	batches       int
}

// NewMetricAccumulator creates an empty accumulator
func NewMetricAccumulator() *MetricAccumulator {
	return &MetricAccumulator{
		componentSums: make(map[string]float64),
	}
}

// Reset zeroes all running sums; called at the start of every epoch
func (ma *MetricAccumulator) Reset() {
	ma.lossSum = 0
	ma.componentSums = make(map[string]float64)
	ma.order = ma.order[:0]
	ma.items = 0
	ma.batches = 0
}

// Accumulate adds one batch weighted by its actual item count, so a short
// final batch contributes proportionally less
func (ma *MetricAccumulator) Accumulate(batchSize int, loss float64, components map[string]float64) {
	weight := float64(batchSize)
	ma.lossSum += weight * loss

	for _, name := range sortedKeys(components) {
		if _, seen := ma.componentSums[name]; !seen {
			ma.order = append(ma.order, name)
		}
		ma.componentSums[name] += weight * components[name]
	}

	ma.items += batchSize
	ma.batches++
}

// Finalize divides the running sums by itemCount
func (ma *MetricAccumulator) Finalize(itemCount int) EpochMeans {
	return ma.divide(itemCount)
}

// FinalizeByBatches divides the running sums by the number of Accumulate calls
func (ma *MetricAccumulator) FinalizeByBatches() EpochMeans {
	return ma.divide(ma.batches)
}

func (ma *MetricAccumulator) divide(denominator int) EpochMeans {
	means := EpochMeans{Components: make(map[string]float64, len(ma.componentSums))}
	if denominator <= 0 {
		for _, name := range ma.order {
			means.Components[name] = 0
		}
		return means
	}

	d := float64(denominator)
	means.Loss = ma.lossSum / d
	for _, name := range ma.order {
		means.Components[name] = ma.componentSums[name] / d
	}
	return means
}

// Sums returns the raw weighted loss sum and a copy of the component sums
func (ma *MetricAccumulator) Sums() (float64, map[string]float64) {
	out := make(map[string]float64, len(ma.componentSums))
	for k, v := range ma.componentSums {
		out[k] = v
	}
	return ma.lossSum, out
}

// Items returns the number of items accumulated this epoch
func (ma *MetricAccumulator) Items() int { return ma.items }

// Batches returns the number of batches accumulated this epoch
func (ma *MetricAccumulator) Batches() int { return ma.batches }

// Components returns component names in first-seen order
func (ma *MetricAccumulator) Components() []string {
	return append([]string(nil), ma.order...)
}

// EpochMetrics is the immutable record emitted once per completed epoch
type EpochMetrics struct {
	Epoch               int // 0-based epoch index
	MeanLoss            float64
	MeanComponents      map[string]float64
	BatchMeanLoss       float64
	BatchMeanComponents map[string]float64
	Items               int
	Batches             int
	LearningRate        float64
	Duration            time.Duration
	components          []string
}

// Record flattens the metrics into the mapping sent to the logging collaborator.
// "loss" and the bare component names use the batch-count denominator, as the
// dashboard always has; the item-weighted means carry a "mean_" prefix.
func (em EpochMetrics) Record() map[string]float64 {
	record := map[string]float64{
		"epoch":         float64(em.Epoch),
		"loss":          em.BatchMeanLoss,
		"mean_loss":     em.MeanLoss,
		"learning_rate": em.LearningRate,
		"epoch_time":    em.Duration.Seconds(),
	}
	for name, v := range em.BatchMeanComponents {
		record[name] = v
	}
	for name, v := range em.MeanComponents {
		record["mean_"+name] = v
	}
	return record
}

// String formats the per-epoch console line
func (em EpochMetrics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mean loss: %.4f", em.MeanLoss)
	for _, name := range em.components {
		fmt.Fprintf(&b, " | %s: %.4f", name, em.MeanComponents[name])
	}
	fmt.Fprintf(&b, " | LR: %.6f", em.LearningRate)
	return b.String()
}
