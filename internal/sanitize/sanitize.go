// Package sanitize removes image files that cannot be decoded from a dataset
// tree.
package sanitize

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/scanfood-api/internal/dataset"
	"github.com/labstack/gommon/log"
)

type Sanitizer struct {
	logger *log.Logger
	remove func(string) error
}

type Option func(*Sanitizer) *Sanitizer

func WithLogger(l *log.Logger) Option {
	return func(s *Sanitizer) *Sanitizer {
		s.logger = l
		return s
	}
}

// WithRemove replaces os.Remove.
func WithRemove(remove func(string) error) Option {
	return func(s *Sanitizer) *Sanitizer {
		s.remove = remove
		return s
	}
}

func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{logger: log.New("sanitize"), remove: os.Remove}
	for _, opt := range opts {
		s = opt(s)
	}
	return s
}

// ClassReport counts one class directory of one split after cleaning.
type ClassReport struct {
	Split   string `json:"split"`
	Class   string `json:"class"`
	Kept    int    `json:"kept"`
	Deleted int    `json:"deleted"`
}

type Report struct {
	Scanned int           `json:"scanned"`
	Deleted int           `json:"deleted"`
	Classes []ClassReport `json:"classes"`
}

// Clean deletes every image file under root/{train,val}/<class>/ that fails
// to decode. It returns how many files were deleted and how many were scanned.
func (s *Sanitizer) Clean(root string) (deleted, scanned int) {
	r := s.CleanWithReport(root)
	return r.Deleted, r.Scanned
}

func (s *Sanitizer) CleanWithReport(root string) Report {
	var report Report
	for _, split := range []string{dataset.TrainSplit, dataset.ValSplit} {
		splitDir := filepath.Join(root, split)
		classes, err := dataset.ClassDirs(splitDir)
		if err != nil {
			s.logger.Warnf("skip %s: %v", splitDir, err)
			continue
		}
		for _, class := range classes {
			cr := s.cleanClass(filepath.Join(splitDir, class))
			cr.Split, cr.Class = split, class
			report.Scanned += cr.Kept + cr.Deleted
			report.Deleted += cr.Deleted
			report.Classes = append(report.Classes, cr)
		}
	}
	return report
}

func (s *Sanitizer) cleanClass(dir string) ClassReport {
	var cr ClassReport
	files, err := dataset.ImageFiles(dir)
	if err != nil {
		s.logger.Warnf("skip %s: %v", dir, err)
		return cr
	}
	for _, path := range files {
		verr := Verify(path)
		if verr == nil {
			cr.Kept++
			continue
		}
		if err := s.remove(path); err != nil {
			// left in place, still counted as scanned
			s.logger.Warnf("failed to delete corrupt image %s: %v", path, err)
			cr.Kept++
			continue
		}
		s.logger.Debugf("deleted %s: %v", path, verr)
		cr.Deleted++
	}
	return cr
}

// Verify checks the header and then decodes the whole image, so truncated
// pixel data is caught as well.
func Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, err := image.DecodeConfig(f); err != nil {
		return fmt.Errorf("bad header: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, _, err := image.Decode(f); err != nil {
		return fmt.Errorf("bad image data: %w", err)
	}
	return nil
}
