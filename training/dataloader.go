package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// Sample is a single dataset item: one input vector and one or more targets
type Sample struct {
	Input   []float64
	Targets [][]float64
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                    // Total number of samples
	Get(idx int) (Sample, error) // Returns a single sample
}

// Batch represents a batch of samples in loader order
type Batch struct {
	Index   int // Position of the batch within the epoch
	Samples []Sample
}

// Size returns the true item count of the batch. The final batch of an epoch
// may be smaller than the configured batch size.
func (b *Batch) Size() int { return len(b.Samples) }

// DataLoader provides batching, shuffling and background loading
type DataLoader struct {
	dataset       Dataset
	batchSize     int
	shuffle       bool
	numWorkers    int
	prefetchDepth int
	indices       []int
	rng           *rand.Rand
	mutex         sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, seed int64) *DataLoader {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:       dataset,
		batchSize:     batchSize,
		shuffle:       shuffle,
		numWorkers:    numWorkers,
		prefetchDepth: 2,
		indices:       indices,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// DatasetLen returns the number of items in an epoch
func (dl *DataLoader) DatasetLen() int {
	return dl.dataset.Len()
}

// BatchSize returns the nominal batch size
func (dl *DataLoader) BatchSize() int { return dl.batchSize }

type batchResult struct {
	batch *Batch
	err   error
}

// BatchIterator yields the batches of one epoch in order
type BatchIterator struct {
	results <-chan batchResult
	cancel  context.CancelFunc
	done    bool
}

// Next returns the next batch, or nil at the end of the epoch
func (it *BatchIterator) Next() (*Batch, error) {
	if it.done {
		return nil, nil
	}
	res, ok := <-it.results
	if !ok {
		it.done = true
		return nil, nil
	}
	if res.err != nil {
		it.Close()
		return nil, res.err
	}
	return res.batch, nil
}

// Close stops background loading; safe to call more than once
func (it *BatchIterator) Close() {
	it.done = true
	it.cancel()
	for range it.results {
	}
}

// Epoch starts loading one full pass over the dataset. Batches are produced
// sequentially by a background goroutine and prefetched; the samples inside a
// batch are fetched by numWorkers goroutines. Output order is the loader order.
func (dl *DataLoader) Epoch(ctx context.Context) *BatchIterator {
	order := dl.epochOrder()

	ctx, cancel := context.WithCancel(ctx)
	results := make(chan batchResult, dl.prefetchDepth)

	go func() {
		defer close(results)
		for b, start := 0, 0; start < len(order); b, start = b+1, start+dl.batchSize {
			end := min(start+dl.batchSize, len(order))

			samples, err := dl.loadSamples(ctx, order[start:end])
			res := batchResult{batch: &Batch{Index: b, Samples: samples}, err: err}
			if err != nil {
				res.batch = nil
			}

			select {
			case results <- res:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return &BatchIterator{results: results, cancel: cancel}
}

// epochOrder returns the index order for the next epoch, reshuffling if enabled
func (dl *DataLoader) epochOrder() []int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
	return append([]int(nil), dl.indices...)
}

// loadSamples fetches a batch worth of samples with a bounded worker pool
func (dl *DataLoader) loadSamples(ctx context.Context, indices []int) ([]Sample, error) {
	samples := make([]Sample, len(indices))
	errs := make([]error, len(indices))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := min(dl.numWorkers, len(indices))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				samples[pos], errs[pos] = dl.dataset.Get(indices[pos])
			}
		}()
	}

feed:
	for pos := range indices {
		select {
		case jobs <- pos:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for pos, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", indices[pos], err)
		}
	}
	return samples, nil
}
