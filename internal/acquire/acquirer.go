// Package acquire builds a labeled image dataset from an image search
// provider.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/dataset"
	"github.com/labstack/gommon/log"
	"github.com/sourcegraph/conc/pool"
)

var ErrInvalidClass = errors.New("invalid class name")

// TrainFraction of each class's candidates goes to train/, the rest to val/.
const TrainFraction = 0.8

// DefaultKeywords are extra search phrases for dishes whose plain class name
// yields poor results.
var DefaultKeywords = map[string][]string{
	"bun_cha":  {"bun cha", "bún chả", "bun cha ha noi", "bun cha vietnamese"},
	"pho_bo":   {"pho bo", "phở bò", "vietnamese beef noodle soup", "pho vietnamese beef"},
	"vit_quay": {"vịt quay", "vit quay", "roast duck", "peking duck"},
	"ga_quay":  {"gà quay", "ga quay", "roast chicken", "rotisserie chicken"},
	"muc_kho":  {"mực khô", "muc kho", "dried squid", "grilled dried squid"},
	"banh_my":  {"bánh mì", "banh mi", "banh my", "vietnamese baguette", "vietnamese sandwich"},
}

// ValidateClassName accepts names usable as a single directory name.
func ValidateClassName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidClass)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidClass, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidClass, name)
	}
	return nil
}

type Acquirer struct {
	provider    SearchProvider
	downloader  *Downloader
	keywords    map[string][]string
	concurrency int
	throttle    time.Duration
	logger      *log.Logger
}

type Option func(*Acquirer) *Acquirer

// WithKeywords replaces the per-class search phrases.
func WithKeywords(k map[string][]string) Option {
	return func(a *Acquirer) *Acquirer {
		a.keywords = k
		return a
	}
}

func WithDownloader(d *Downloader) Option {
	return func(a *Acquirer) *Acquirer {
		a.downloader = d
		return a
	}
}

// WithConcurrency bounds the downloads running at once within a class.
func WithConcurrency(n int) Option {
	return func(a *Acquirer) *Acquirer {
		if n > 0 {
			a.concurrency = n
		}
		return a
	}
}

// WithThrottle sets the pause after each successful download.
func WithThrottle(d time.Duration) Option {
	return func(a *Acquirer) *Acquirer {
		a.throttle = d
		return a
	}
}

func WithLogger(l *log.Logger) Option {
	return func(a *Acquirer) *Acquirer {
		a.logger = l
		return a
	}
}

func New(provider SearchProvider, opts ...Option) *Acquirer {
	a := &Acquirer{
		provider:    provider,
		keywords:    DefaultKeywords,
		concurrency: 4,
		throttle:    100 * time.Millisecond,
		logger:      log.New("acquire"),
	}
	for _, opt := range opts {
		a = opt(a)
	}
	if a.downloader == nil {
		a.downloader = NewDownloader(nil, DefaultDownloadTimeout, a.logger)
	}
	return a
}

// Phrases returns the search phrases for class: its keyword list, or the
// class name itself.
func (a *Acquirer) Phrases(class string) []string {
	if k := a.keywords[class]; len(k) > 0 {
		return k
	}
	return []string{class}
}

// FetchCandidates queries each phrase in order and collects distinct image
// URLs until limit is reached. A failing phrase is logged and skipped.
func (a *Acquirer) FetchCandidates(ctx context.Context, class string, phrases []string, limit int) []string {
	if len(phrases) == 0 {
		phrases = []string{class}
	}
	var urls []string
	seen := map[string]bool{}
	for _, phrase := range phrases {
		if len(urls) >= limit {
			break
		}
		results, err := a.provider.Images(ctx, phrase, limit)
		if err != nil {
			a.logger.Warnf("search %q for %s failed: %v", phrase, class, err)
			continue
		}
		for _, r := range results {
			if r.Image == "" || seen[r.Image] {
				continue
			}
			seen[r.Image] = true
			urls = append(urls, r.Image)
			if len(urls) >= limit {
				break
			}
		}
	}
	return urls
}

type ClassReport struct {
	Class      string `json:"class"`
	Candidates int    `json:"candidates"`
	Train      int    `json:"train"`
	Val        int    `json:"val"`
	Downloaded int    `json:"downloaded"`
}

// SplitIndex is max(1, floor(TrainFraction*n)).
func SplitIndex(n int) int {
	return max(1, int(float64(n)*TrainFraction))
}

// BuildDataset downloads up to perClass images per class into
// root/{train,val}/<class>/ and returns the absolute root. Download failures
// only shrink the dataset; the error is reserved for directories that cannot
// be created and for invalid class names.
func (a *Acquirer) BuildDataset(ctx context.Context, root string, classes []string, perClass int) (string, []ClassReport, error) {
	for _, class := range classes {
		if err := ValidateClassName(class); err != nil {
			return "", nil, err
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create %s: %w", abs, err)
	}

	reports := make([]ClassReport, 0, len(classes))
	for _, class := range classes {
		report, err := a.buildClass(ctx, abs, class, perClass)
		if err != nil {
			return abs, reports, err
		}
		a.logger.Infof(
			"%s: %d candidates, %d/%d downloaded (train %d, val %d)",
			class, report.Candidates, report.Downloaded, report.Train+report.Val, report.Train, report.Val,
		)
		reports = append(reports, report)
	}
	return abs, reports, nil
}

type download struct {
	url  string
	dest string
}

func (a *Acquirer) buildClass(ctx context.Context, root, class string, perClass int) (ClassReport, error) {
	report := ClassReport{Class: class}
	trainDir := filepath.Join(root, dataset.TrainSplit, class)
	valDir := filepath.Join(root, dataset.ValSplit, class)
	for _, dir := range []string{trainDir, valDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return report, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	urls := a.FetchCandidates(ctx, class, a.Phrases(class), perClass)
	report.Candidates = len(urls)
	if len(urls) == 0 {
		a.logger.Warnf("no image candidates for %s", class)
		return report, nil
	}

	split := min(SplitIndex(len(urls)), len(urls))
	train, val := urls[:split], urls[split:]
	report.Train, report.Val = len(train), len(val)

	var jobs []download
	for _, part := range []struct {
		dir  string
		urls []string
	}{{trainDir, train}, {valDir, val}} {
		start, err := nextIndex(part.dir, class)
		if err != nil {
			return report, err
		}
		// one index per candidate: a failed download leaves a gap
		for i, u := range part.urls {
			jobs = append(jobs, download{
				url:  u,
				dest: filepath.Join(part.dir, fmt.Sprintf("%s_%d.jpg", class, start+i)),
			})
		}
	}

	var downloaded atomic.Int64
	p := pool.New().WithMaxGoroutines(a.concurrency)
	for _, job := range jobs {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			if !a.downloader.Download(ctx, job.url, job.dest) {
				return
			}
			downloaded.Add(1)
			if a.throttle > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(a.throttle):
				}
			}
		})
	}
	p.Wait()

	report.Downloaded = int(downloaded.Load())
	return report, nil
}

// nextIndex is the first running index for class in dir: the number of .jpg
// files present, or one past the highest {class}_{n}.jpg when earlier runs
// left gaps.
func nextIndex(dir, class string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		return 0, err
	}
	next := len(matches)
	prefix := class + "_"
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".jpg")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || n < 0 {
			continue
		}
		next = max(next, n+1)
	}
	return next, nil
}
