package checkpoints

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// StoreConfig configures checkpoint retention
type StoreConfig struct {
	Format          CheckpointFormat // Proto or JSON
	Keep            int              // Checkpoints kept on disk by Prune callers (0 = unlimited)
	BestName        string           // Base name of the best checkpoint file
	FilenamePattern string           // Pattern for per-epoch filenames, receives the epoch
}

// DefaultStoreConfig keeps the ten lowest-loss checkpoints as epoch_<n> files
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Format:          FormatProto,
		Keep:            10,
		BestName:        "best",
		FilenamePattern: "epoch_%d",
	}
}

// Entry describes one valid checkpoint file found on disk
type Entry struct {
	Path  string
	Epoch int
	Loss  float64
	Size  int64
}

// PruneResult reports what a Prune pass kept, removed and could not read
type PruneResult struct {
	Retained []Entry
	Removed  []Entry
	Failed   []Entry  // ranked out but could not be deleted
	Skipped  []string // unparseable files, left on disk
}

// Store keeps at most k of the best checkpoints in a directory and tracks a
// separate best-so-far checkpoint outside that window. It assumes it is the
// only writer of the directory.
type Store struct {
	dir    string
	config StoreConfig
	codec  Codec

	bestLoss  float64
	bestEpoch int
	window    []Entry
}

// NewStore creates a retention store rooted at dir
func NewStore(dir string, config StoreConfig) *Store {
	defaults := DefaultStoreConfig()
	if config.BestName == "" {
		config.BestName = defaults.BestName
	}
	if config.FilenamePattern == "" {
		config.FilenamePattern = defaults.FilenamePattern
	}
	return &Store{
		dir:      dir,
		config:   config,
		codec:    NewCodec(config.Format),
		bestLoss: math.Inf(1),
	}
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string { return s.dir }

// Keep returns the configured retention size
func (s *Store) Keep() int { return s.config.Keep }

// BestPath returns the location of the best checkpoint file
func (s *Store) BestPath() string {
	return filepath.Join(s.dir, s.config.BestName+s.codec.Format().Extension())
}

// BestLoss returns the lowest loss recorded by UpdateBest in this process
func (s *Store) BestLoss() float64 { return s.bestLoss }

// BestEpoch returns the epoch of the current best checkpoint, or 0 if none
func (s *Store) BestEpoch() int { return s.bestEpoch }

// Window returns the checkpoints retained by the most recent Prune
func (s *Store) Window() []Entry {
	return append([]Entry(nil), s.window...)
}

// PathFor returns the per-epoch checkpoint location
func (s *Store) PathFor(epoch int) string {
	name := fmt.Sprintf(s.config.FilenamePattern, epoch) + s.codec.Format().Extension()
	return filepath.Join(s.dir, name)
}

// Persist writes the checkpoint to its per-epoch file and returns the location.
// A checkpoint is never refused for ranking reasons; Prune decides afterwards.
func (s *Store) Persist(checkpoint *Checkpoint) (string, error) {
	path := s.PathFor(checkpoint.Epoch)
	if err := s.writeAtomic(path, checkpoint); err != nil {
		return "", err
	}
	klog.V(1).Infof("Persisted checkpoint %s (epoch %d, loss %.4f)", path, checkpoint.Epoch, checkpoint.Loss)
	return path, nil
}

// Prune ranks every valid checkpoint in the directory by ascending loss and
// deletes all of them beyond the first k. Files that cannot be parsed are
// logged and left alone. Deletion failures are warnings.
func (s *Store) Prune(k int) (PruneResult, error) {
	entries, skipped, err := s.scan()
	if err != nil {
		return PruneResult{}, err
	}

	rank(entries)

	result := PruneResult{Skipped: skipped}
	if k <= 0 || len(entries) <= k {
		result.Retained = entries
		s.window = entries
		return result, nil
	}

	result.Retained = entries[:k]
	for _, entry := range entries[k:] {
		if err := os.Remove(entry.Path); err != nil {
			klog.Warningf("Warning: Failed to remove checkpoint %s: %v", entry.Path, err)
			result.Failed = append(result.Failed, entry)
			continue
		}
		klog.Infof("Removed checkpoint: %s (loss: %.4f)", entry.Path, entry.Loss)
		result.Removed = append(result.Removed, entry)
	}
	s.window = result.Retained

	return result, nil
}

// UpdateBest overwrites the best checkpoint when loss is strictly lower than
// the best seen so far. Equal loss never replaces it.
func (s *Store) UpdateBest(loss float64, checkpoint *Checkpoint) (bool, error) {
	if !(loss < s.bestLoss) {
		return false, nil
	}

	path := s.BestPath()
	if err := s.writeAtomic(path, checkpoint); err != nil {
		return false, err
	}

	s.bestLoss = loss
	s.bestEpoch = checkpoint.Epoch
	klog.Infof("Saved best model with loss: %.4f", loss)
	return true, nil
}

// RestoreBest seeds the in-memory best loss from an existing best file. A
// missing best file leaves the store unchanged.
func (s *Store) RestoreBest() error {
	checkpoint, err := s.Load(s.BestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	s.bestLoss = checkpoint.Loss
	s.bestEpoch = checkpoint.Epoch
	return nil
}

// Load reads a single checkpoint file in the store's format
func (s *Store) Load(path string) (*Checkpoint, error) {
	return ReadCheckpoint(path, s.codec)
}

// Latest returns the valid per-epoch checkpoint with the highest epoch
func (s *Store) Latest() (*Checkpoint, string, error) {
	entries, _, err := s.scan()
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", fs.ErrNotExist
	}

	latest := entries[0]
	for _, entry := range entries[1:] {
		if entry.Epoch > latest.Epoch {
			latest = entry
		}
	}
	checkpoint, err := s.Load(latest.Path)
	if err != nil {
		return nil, "", err
	}
	return checkpoint, latest.Path, nil
}

// scan reads every candidate file in the directory. The directory is the
// source of truth, so files removed out of band simply drop out.
func (s *Store) scan() ([]Entry, []string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, &StorageError{Op: "scan", Path: s.dir, Err: err}
	}

	ext := s.codec.Format().Extension()
	bestName := filepath.Base(s.BestPath())

	var entries []Entry
	var skipped []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ext || name == bestName {
			continue
		}

		path := filepath.Join(s.dir, name)
		checkpoint, err := ReadCheckpoint(path, s.codec)
		if err != nil {
			klog.Warningf("Warning: Failed to load checkpoint %s: %v", path, err)
			skipped = append(skipped, path)
			continue
		}

		var size int64
		if info, err := de.Info(); err == nil {
			size = info.Size()
		}
		entries = append(entries, Entry{
			Path:  path,
			Epoch: checkpoint.Epoch,
			Loss:  checkpoint.Loss,
			Size:  size,
		})
	}

	return entries, skipped, nil
}

// rank orders entries by ascending loss. Ties go to the older epoch, then to
// the file name, so the order is the same on every scan.
func rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		li, lj := rankLoss(entries[i].Loss), rankLoss(entries[j].Loss)
		if li != lj {
			return li < lj
		}
		if entries[i].Epoch != entries[j].Epoch {
			return entries[i].Epoch < entries[j].Epoch
		}
		return entries[i].Path < entries[j].Path
	})
}

// rankLoss sorts NaN losses last
func rankLoss(loss float64) float64 {
	if math.IsNaN(loss) {
		return math.Inf(1)
	}
	return loss
}

// writeAtomic encodes the checkpoint into a hidden temp file next to path and
// renames it into place, so a failed write never leaves a file the scan counts.
func (s *Store) writeAtomic(path string, checkpoint *Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}

	stampMetadata(checkpoint)

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &StorageError{Op: op, Path: path, Err: err}
	}

	if err := s.codec.Encode(tmp, checkpoint); err != nil {
		return fail("encode", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	info, statErr := tmp.Stat()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return &StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}

	if statErr == nil {
		klog.V(2).Infof("Wrote %s (%s)", path, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}
