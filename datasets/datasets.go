// Package datasets provides training.Dataset implementations: an in-memory
// CSV table and a deterministic synthetic regression set.
package datasets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tsawler/go-trainloop/training"
)

// TrainFile is the file name looked up inside a data directory
const TrainFile = "train.csv"

// Table is a dataset loaded fully into memory. Each row holds the input
// features followed by one column per target.
type Table struct {
	samples []training.Sample
	columns []string
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.samples) }

// Get returns row idx
func (t *Table) Get(idx int) (training.Sample, error) {
	if idx < 0 || idx >= len(t.samples) {
		return training.Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(t.samples))
	}
	return t.samples[idx], nil
}

// Columns returns the header row
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// InputDim returns the number of feature columns
func (t *Table) InputDim() int {
	if len(t.samples) == 0 {
		return 0
	}
	return len(t.samples[0].Input)
}

// OpenDir loads dir/train.csv
func OpenDir(dir string, numTargets int) (*Table, error) {
	return OpenCSV(filepath.Join(dir, TrainFile), numTargets)
}

// OpenCSV loads a CSV file with a header row. The last numTargets columns are
// targets, everything before them is input.
func OpenCSV(path string, numTargets int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := ReadCSV(f, numTargets)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ReadCSV parses CSV data in the OpenCSV layout
func ReadCSV(r io.Reader, numTargets int) (*Table, error) {
	if numTargets <= 0 {
		return nil, errors.New("at least one target column is required")
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) <= numTargets {
		return nil, fmt.Errorf("need more than %d columns, got %d", numTargets, len(header))
	}
	inputDim := len(header) - numTargets

	table := &Table{columns: header}
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}

		values := make([]float64, len(record))
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", row, header[i], err)
			}
			values[i] = v
		}

		sample := training.Sample{Input: values[:inputDim:inputDim]}
		for _, v := range values[inputDim:] {
			sample.Targets = append(sample.Targets, []float64{v})
		}
		table.samples = append(table.samples, sample)
	}

	return table, nil
}

// Synthetic generates samples from a fixed random linear map plus noise.
// Each sample is derived from its index alone, so Get is safe for
// concurrent use and returns the same sample every epoch.
type Synthetic struct {
	n        int
	inputDim int
	seed     int64
	noise    float64
	weights  [][]float64
	biases   []float64
}

// NewSynthetic creates a dataset of n samples with numTargets outputs
func NewSynthetic(n, inputDim, numTargets int, noise float64, seed int64) *Synthetic {
	rng := rand.New(rand.NewSource(seed))
	s := &Synthetic{n: n, inputDim: inputDim, seed: seed, noise: noise}
	for h := 0; h < numTargets; h++ {
		w := make([]float64, inputDim)
		for i := range w {
			w[i] = rng.NormFloat64() / float64(inputDim)
		}
		s.weights = append(s.weights, w)
		s.biases = append(s.biases, rng.NormFloat64()*0.1)
	}
	return s
}

// Len returns the number of samples
func (s *Synthetic) Len() int { return s.n }

// InputDim returns the feature count
func (s *Synthetic) InputDim() int { return s.inputDim }

// Get returns sample idx
func (s *Synthetic) Get(idx int) (training.Sample, error) {
	if idx < 0 || idx >= s.n {
		return training.Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, s.n)
	}

	rng := rand.New(rand.NewSource(s.seed ^ int64(idx+1)*0x9E3779B9))
	input := make([]float64, s.inputDim)
	for i := range input {
		input[i] = rng.Float64()*2 - 1
	}

	targets := make([][]float64, len(s.weights))
	for h, w := range s.weights {
		y := s.biases[h]
		for i, x := range input {
			y += w[i] * x
		}
		targets[h] = []float64{y + rng.NormFloat64()*s.noise}
	}
	return training.Sample{Input: input, Targets: targets}, nil
}
