package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	CheckpointFile = "best.pt"
	LabelsFile     = "labels.txt"
	MetadataFile   = "metadata.json"
	CurrentFile    = "current"
	RunsDir        = "runs"

	LegacyVersion = "legacy"
)

// Store owns the models directory:
//
//	models/runs/<version>/{best.pt,labels.txt,metadata.json}
//	models/current               name of the serving version
//	models/{best.pt,labels.txt,metadata.json}  copies of the serving version
//
// Every file is written to a temporary name and renamed into place, and the
// current pointer moves only once a version directory is complete.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// Artifacts locates the files of one checkpoint/manifest pair.
type Artifacts struct {
	Version    string
	Checkpoint string
	Labels     string
	Metadata   string
}

func (s *Store) Save(meta Metadata, ckpt Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	meta.Version = fmt.Sprintf("%s-epoch%03d", meta.RunID, meta.Epoch)
	meta.Backbone = ckpt.Backbone

	params, err := ckpt.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	labels := []byte(strings.Join(meta.Classes, "\n"))
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	versionDir := filepath.Join(s.dir, RunsDir, meta.Version)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", versionDir, err)
	}
	files := []struct {
		name string
		data []byte
	}{
		{CheckpointFile, params},
		{LabelsFile, labels},
		{MetadataFile, sidecar},
	}
	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(versionDir, f.name), f.data); err != nil {
			return "", err
		}
	}

	pointer := filepath.Join(s.dir, CurrentFile)
	if err := writeFileAtomic(pointer, []byte(meta.Version+"\n")); err != nil {
		return "", err
	}
	info, err := os.Stat(pointer)
	if err != nil {
		return meta.Version, err
	}

	// top-level copies keep the classic models/best.pt + models/labels.txt
	// layout; sharing the pointer's mtime marks them as copies for Resolve
	for _, f := range files {
		if err := writeFileAtomicAt(filepath.Join(s.dir, f.name), f.data, info.ModTime()); err != nil {
			return meta.Version, err
		}
	}
	return meta.Version, nil
}

// Current returns the version the pointer names, or "" without a pointer.
func (s *Store) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, CurrentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Resolve finds the pair to serve. The versioned pointer wins unless a flat
// models/best.pt + models/labels.txt pair was placed after the last Save (both
// files newer than models/current); without a pointer the flat layout is used.
func (s *Store) Resolve() (Artifacts, error) {
	version, err := s.Current()
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to read current pointer: %w", err)
	}

	if version != "" {
		dir := filepath.Join(s.dir, RunsDir, version)
		a := Artifacts{
			Version:    version,
			Checkpoint: filepath.Join(dir, CheckpointFile),
			Labels:     filepath.Join(dir, LabelsFile),
			Metadata:   filepath.Join(dir, MetadataFile),
		}
		if exists(a.Labels) && exists(a.Checkpoint) {
			if flat, ok := s.placedFlatPair(); ok {
				return flat, nil
			}
			return a, nil
		}
	}

	a := Artifacts{
		Version:    LegacyVersion,
		Checkpoint: filepath.Join(s.dir, CheckpointFile),
		Labels:     filepath.Join(s.dir, LabelsFile),
		Metadata:   filepath.Join(s.dir, MetadataFile),
	}
	if !exists(a.Labels) {
		return a, ErrLabelsMissing
	}
	if !exists(a.Checkpoint) {
		return a, ErrCheckpointMissing
	}
	return a, nil
}

// placedFlatPair reports a flat pair put in place after the current pointer
// moved. Save stamps its copies with the pointer's own modification time, so
// only files written later count.
func (s *Store) placedFlatPair() (Artifacts, bool) {
	// the flat sidecar describes the previous version, so it is left out
	a := Artifacts{
		Version:    LegacyVersion,
		Checkpoint: filepath.Join(s.dir, CheckpointFile),
		Labels:     filepath.Join(s.dir, LabelsFile),
	}
	pointer, err := os.Stat(filepath.Join(s.dir, CurrentFile))
	if err != nil {
		return a, false
	}
	for _, path := range []string{a.Checkpoint, a.Labels} {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || !info.ModTime().After(pointer.ModTime()) {
			return a, false
		}
	}
	return a, true
}

// Prune removes version directories beyond the keep most recent ones.
// The current version is never removed.
func (s *Store) Prune(keep int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, RunsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type version struct {
		name string
		mod  int64
	}
	var versions []version
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		versions = append(versions, version{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].mod > versions[j].mod })

	if current != "" {
		keep--
	}
	if keep < 0 {
		keep = 0
	}
	var removed []string
	for i := keep; i < len(versions); i++ {
		if err := os.RemoveAll(filepath.Join(s.dir, RunsDir, versions[i].name)); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", versions[i].name, err)
		}
		removed = append(removed, versions[i].name)
	}
	return removed, nil
}

// ReadLabels reads a newline separated manifest, skipping blank lines.
func ReadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var labels []string
	for _, line := range strings.Split(string(data), "\n") {
		if l := strings.TrimSpace(line); l != "" {
			labels = append(labels, l)
		}
	}
	return labels, nil
}

func ReadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}

func ReadCheckpoint(path string) (Checkpoint, error) {
	var ckpt Checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return ckpt, err
	}
	err = ckpt.UnmarshalBinary(data)
	return ckpt, err
}

func writeFileAtomic(path string, data []byte) error {
	return writeFileAtomicAt(path, data, time.Time{})
}

// writeFileAtomicAt also sets the file's modification time to mtime unless it
// is zero.
func writeFileAtomicAt(path string, data []byte, mtime time.Time) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmpName, mtime, mtime); err != nil {
			return fmt.Errorf("failed to stamp %s: %w", path, err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
