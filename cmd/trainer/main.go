// Command scanfood-trainer builds datasets and trains the dish classifier
// from the command line, without the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/Brownie44l1/scanfood-api/internal/acquire"
	"github.com/Brownie44l1/scanfood-api/internal/app"
	"github.com/Brownie44l1/scanfood-api/internal/config"
	"github.com/Brownie44l1/scanfood-api/internal/trainer"
	"github.com/schollz/progressbar/v2"
	"github.com/spf13/pflag"
)

const usage = `usage: scanfood-trainer <command> [flags]

commands:
  acquire    download a dataset from image search
  clean      delete unreadable images from a dataset
  train      train the classifier head on a dataset
  autotrain  acquire, clean and train in one go
  prune      delete old checkpoint versions
`

type command struct {
	flags *pflag.FlagSet
	run   func(ctx context.Context, a *app.App) error
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	commands := map[string]func() command{
		"acquire":   acquireCommand,
		"clean":     cleanCommand,
		"train":     trainCommand,
		"autotrain": autoTrainCommand,
		"prune":     pruneCommand,
	}
	newCommand, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	cmd := newCommand()
	if err := cmd.flags.Parse(os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.Load(cmd.flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	defer a.Close()

	if err := cmd.run(ctx, a); err != nil {
		log.Printf("%s failed: %v", os.Args[1], err)
		a.Close()
		os.Exit(1)
	}
}

type acquireFlags struct {
	classes        *[]string
	imagesPerClass *int
	datasetName    *string
}

func addAcquireFlags(fs *pflag.FlagSet) acquireFlags {
	return acquireFlags{
		classes:        fs.StringSlice("classes", nil, "dish class names (default: the built-in dishes)"),
		imagesPerClass: fs.Int("images-per-class", 0, "candidate images per class"),
		datasetName:    fs.String("dataset-name", "", "dataset directory name under the datasets dir"),
	}
}

func (f acquireFlags) acquire(ctx context.Context, a *app.App) (string, error) {
	classes := *f.classes
	if len(classes) == 0 {
		classes = slices.Sorted(maps.Keys(acquire.DefaultKeywords))
	}
	perClass := *f.imagesPerClass
	if perClass <= 0 {
		perClass = a.Config.Train.ImagesPerClass
	}
	name := *f.datasetName
	if name == "" {
		name = a.Config.Train.DatasetName
	}

	dir, reports, err := a.Acquirer.BuildDataset(ctx, filepath.Join(a.Config.Paths.Datasets, name), classes, perClass)
	if err != nil {
		return "", err
	}
	for _, r := range reports {
		fmt.Printf("%-12s candidates %3d  train %3d  val %3d  downloaded %3d\n",
			r.Class, r.Candidates, r.Train, r.Val, r.Downloaded)
	}
	return dir, nil
}

func acquireCommand() command {
	fs := config.Flags("acquire")
	af := addAcquireFlags(fs)
	return command{
		flags: fs,
		run: func(ctx context.Context, a *app.App) error {
			dir, err := af.acquire(ctx, a)
			if err != nil {
				return err
			}
			fmt.Println("dataset:", dir)
			return nil
		},
	}
}

func clean(a *app.App, dir string) {
	report := a.Sanitizer.CleanWithReport(dir)
	for _, c := range report.Classes {
		fmt.Printf("%-5s %-12s kept %3d  deleted %3d\n", c.Split, c.Class, c.Kept, c.Deleted)
	}
	fmt.Printf("scanned %d, deleted %d\n", report.Scanned, report.Deleted)
}

func cleanCommand() command {
	fs := config.Flags("clean")
	dir := fs.String("dataset-dir", "", "dataset directory holding train/ and val/")
	return command{
		flags: fs,
		run: func(ctx context.Context, a *app.App) error {
			if *dir == "" {
				return errors.New("--dataset-dir is required")
			}
			clean(a, *dir)
			return nil
		},
	}
}

type trainFlags struct {
	epochs       *int
	batchSize    *int
	learningRate *float64
}

func addTrainFlags(fs *pflag.FlagSet) trainFlags {
	return trainFlags{
		epochs:       fs.Int("epochs", 0, "training epochs"),
		batchSize:    fs.Int("batch-size", 0, "mini-batch size"),
		learningRate: fs.Float64("lr", 0, "peak learning rate"),
	}
}

func (f trainFlags) train(ctx context.Context, a *app.App, dir string) error {
	opts := trainer.Options{
		DatasetDir:   dir,
		Epochs:       *f.epochs,
		BatchSize:    *f.batchSize,
		LearningRate: *f.learningRate,
	}
	if opts.Epochs <= 0 {
		opts.Epochs = a.Config.Train.Epochs
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = a.Config.Train.BatchSize
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = a.Config.Train.LearningRate
	}

	bar := progressbar.NewOptions(
		opts.Epochs,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("training"),
		progressbar.OptionSetRenderBlankState(true),
	)
	opts.OnEpoch = func(m trainer.EpochMetrics) {
		bar.Add(1)
		mark := ""
		if m.Saved {
			mark = "  saved"
		}
		fmt.Fprintf(os.Stderr, "\nepoch %d/%d  lr %.2e  loss %.4f  train_acc %.3f  val_acc %.3f%s\n",
			m.Epoch+1, m.Epochs, m.LearningRate, m.TrainLoss, m.TrainAcc, m.ValAcc, mark)
	}

	res, err := a.Trainer.Train(ctx, opts)
	bar.Finish()
	if err != nil {
		return err
	}

	fmt.Printf("run %s: classes %v\n", res.RunID, res.Classes)
	if !res.Saved {
		fmt.Println("no checkpoint saved: validation accuracy never improved on 0")
		return nil
	}
	fmt.Printf("best val_acc %.3f at epoch %d, saved as %s\n", res.BestValAcc, res.BestEpoch+1, res.Version)

	if keep := a.Config.Model.KeepVersions; keep > 0 {
		if _, err := a.Store.Prune(keep); err != nil {
			log.Printf("Failed to prune checkpoints: %v", err)
		}
	}
	return nil
}

func trainCommand() command {
	fs := config.Flags("train")
	dir := fs.String("dataset-dir", "", "dataset directory holding train/ and val/")
	tf := addTrainFlags(fs)
	return command{
		flags: fs,
		run: func(ctx context.Context, a *app.App) error {
			if *dir == "" {
				return errors.New("--dataset-dir is required")
			}
			return tf.train(ctx, a, *dir)
		},
	}
}

func autoTrainCommand() command {
	fs := config.Flags("autotrain")
	af := addAcquireFlags(fs)
	tf := addTrainFlags(fs)
	return command{
		flags: fs,
		run: func(ctx context.Context, a *app.App) error {
			dir, err := af.acquire(ctx, a)
			if err != nil {
				return err
			}
			clean(a, dir)
			return tf.train(ctx, a, dir)
		},
	}
}

func pruneCommand() command {
	fs := config.Flags("prune")
	keep := fs.Int("keep", 0, "versions to keep (default model.keep_versions)")
	return command{
		flags: fs,
		run: func(ctx context.Context, a *app.App) error {
			n := *keep
			if n <= 0 {
				n = a.Config.Model.KeepVersions
			}
			removed, err := a.Store.Prune(n)
			if err != nil {
				return err
			}
			for _, v := range removed {
				fmt.Println("removed", v)
			}
			return nil
		},
	}
}
