// Package dataset reads the labeled image tree
//
//	<root>/{train,val}/<class>/*.{jpg,jpeg,png}
//
// and provides the class-balanced sampling used for training.
package dataset

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	TrainSplit = "train"
	ValSplit   = "val"
)

var ErrNoClasses = errors.New("no classes found")

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// IsImageFile reports whether name carries one of the dataset image extensions.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

type Sample struct {
	Path  string
	Label int
}

type Split struct {
	Samples []Sample
	// Counts[i] is the number of samples with Label i.
	Counts []int
}

func (s Split) Labels() []int {
	labels := make([]int, len(s.Samples))
	for i, sample := range s.Samples {
		labels[i] = sample.Label
	}
	return labels
}

type Folder struct {
	Root    string
	Classes []string
	Train   Split
	Val     Split

	// UnknownVal lists val class directories absent from train; their images are ignored.
	UnknownVal []string
}

// Discover takes the class list from train/ (sorted, which fixes the index
// mapping) and maps val/ samples onto the same indices by name.
func Discover(root string) (*Folder, error) {
	classes, err := ClassDirs(filepath.Join(root, TrainSplit))
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoClasses, filepath.Join(root, TrainSplit))
	}

	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	f := &Folder{Root: root, Classes: classes}
	if f.Train, _, err = scanSplit(filepath.Join(root, TrainSplit), index); err != nil {
		return nil, err
	}
	if f.Val, f.UnknownVal, err = scanSplit(filepath.Join(root, ValSplit), index); err != nil {
		return nil, err
	}
	return f, nil
}

// ClassDirs lists the child directories of dir in sorted order. A missing dir
// yields no classes.
func ClassDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// ImageFiles lists image files directly inside dir, sorted by name.
func ImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func scanSplit(dir string, index map[string]int) (Split, []string, error) {
	split := Split{Counts: make([]int, len(index))}
	classes, err := ClassDirs(dir)
	if err != nil {
		return split, nil, err
	}

	var unknown []string
	for _, class := range classes {
		label, ok := index[class]
		if !ok {
			unknown = append(unknown, class)
			continue
		}
		files, err := ImageFiles(filepath.Join(dir, class))
		if err != nil {
			return split, nil, fmt.Errorf("failed to list %s: %w", class, err)
		}
		for _, path := range files {
			split.Samples = append(split.Samples, Sample{Path: path, Label: label})
		}
		split.Counts[label] += len(files)
	}
	return split, unknown, nil
}

// LoadImage decodes an image file by content, whatever its extension says.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
