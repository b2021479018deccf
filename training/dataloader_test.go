package training

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

// failingDataset errors on a single index
type failingDataset struct {
	n      int
	failAt int
}

func (d failingDataset) Len() int { return d.n }

func (d failingDataset) Get(idx int) (Sample, error) {
	if idx == d.failAt {
		return Sample{}, errors.New("corrupt image")
	}
	return Sample{Input: []float64{float64(idx)}}, nil
}

// slowDataset counts loads and sleeps on each one
type slowDataset struct {
	n     int
	loads atomic.Int64
}

func (d *slowDataset) Len() int { return d.n }

func (d *slowDataset) Get(idx int) (Sample, error) {
	d.loads.Add(1)
	time.Sleep(time.Millisecond)
	return Sample{Input: []float64{float64(idx)}}, nil
}

func collectEpoch(t *testing.T, dl *DataLoader) ([]int, [][]int) {
	t.Helper()

	it := dl.Epoch(context.Background())
	defer it.Close()

	var sizes []int
	var inputs [][]int
	for {
		batch, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			return sizes, inputs
		}
		sizes = append(sizes, batch.Size())
		var ids []int
		for _, s := range batch.Samples {
			ids = append(ids, int(s.Input[0]))
		}
		inputs = append(inputs, ids)
	}
}

func TestDataLoader(t *testing.T) {
	t.Run("Sequential order with short last batch", func(t *testing.T) {
		dl := NewDataLoader(indexDataset{n: 7}, 3, false, 4, 0)

		if dl.Len() != 3 {
			t.Errorf("Expected 3 batches, got %d", dl.Len())
		}
		if dl.DatasetLen() != 7 {
			t.Errorf("Expected dataset length 7, got %d", dl.DatasetLen())
		}

		sizes, inputs := collectEpoch(t, dl)
		if !slices.Equal(sizes, []int{3, 3, 1}) {
			t.Errorf("Expected batch sizes [3 3 1], got %v", sizes)
		}

		var all []int
		for _, ids := range inputs {
			all = append(all, ids...)
		}
		if !slices.Equal(all, []int{0, 1, 2, 3, 4, 5, 6}) {
			t.Errorf("Expected loader order 0..6, got %v", all)
		}
	})

	t.Run("Shuffle is a permutation and reseeded runs match", func(t *testing.T) {
		first := NewDataLoader(indexDataset{n: 20}, 4, true, 2, 42)
		second := NewDataLoader(indexDataset{n: 20}, 4, true, 2, 42)

		_, a := collectEpoch(t, first)
		_, b := collectEpoch(t, second)

		var flatA, flatB []int
		for i := range a {
			flatA = append(flatA, a[i]...)
			flatB = append(flatB, b[i]...)
		}
		if !slices.Equal(flatA, flatB) {
			t.Errorf("Expected identical order for the same seed")
		}

		sorted := slices.Sorted(slices.Values(flatA))
		for i, v := range sorted {
			if v != i {
				t.Fatalf("Expected a permutation of 0..19, got %v", flatA)
			}
		}

		_, next := collectEpoch(t, first)
		var flatNext []int
		for _, ids := range next {
			flatNext = append(flatNext, ids...)
		}
		if slices.Equal(flatA, flatNext) {
			t.Errorf("Expected a new order on the next epoch")
		}
	})

	t.Run("Empty dataset", func(t *testing.T) {
		dl := NewDataLoader(indexDataset{n: 0}, 8, false, 2, 0)
		if dl.Len() != 0 {
			t.Errorf("Expected 0 batches, got %d", dl.Len())
		}
		sizes, _ := collectEpoch(t, dl)
		if len(sizes) != 0 {
			t.Errorf("Expected no batches, got %v", sizes)
		}
	})

	t.Run("Invalid sizes fall back to one", func(t *testing.T) {
		dl := NewDataLoader(indexDataset{n: 3}, 0, false, 0, 0)
		if dl.BatchSize() != 1 || dl.Len() != 3 {
			t.Errorf("Expected batch size 1 and 3 batches, got %d and %d", dl.BatchSize(), dl.Len())
		}
	})
}

func TestDataLoaderSampleError(t *testing.T) {
	dl := NewDataLoader(failingDataset{n: 6, failAt: 4}, 2, false, 2, 0)
	it := dl.Epoch(context.Background())
	defer it.Close()

	for i := 0; i < 2; i++ {
		batch, err := it.Next()
		if err != nil || batch == nil {
			t.Fatalf("Batch %d: expected success, got %v", i, err)
		}
	}

	if _, err := it.Next(); err == nil {
		t.Fatal("Expected error for the batch containing the corrupt sample")
	}
	if batch, err := it.Next(); batch != nil || err != nil {
		t.Errorf("Expected iterator to be exhausted after an error, got %v %v", batch, err)
	}
}

func TestDataLoaderCloseStopsLoading(t *testing.T) {
	dataset := &slowDataset{n: 1000}
	dl := NewDataLoader(dataset, 10, false, 2, 0)

	it := dl.Epoch(context.Background())
	if _, err := it.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	it.Close()
	it.Close()

	if loads := dataset.loads.Load(); loads >= 1000 {
		t.Errorf("Expected loading to stop early, loaded %d samples", loads)
	}
}

func TestDataLoaderContextCancel(t *testing.T) {
	dl := NewDataLoader(&slowDataset{n: 100}, 10, false, 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	it := dl.Epoch(ctx)
	defer it.Close()
	cancel()

	for {
		batch, err := it.Next()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Expected context.Canceled, got %v", err)
			}
			return
		}
		if batch == nil {
			return
		}
	}
}
