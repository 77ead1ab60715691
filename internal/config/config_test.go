package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/config"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/gommon/log"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCANFOOD_CONFIG", "")

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
	if cfg.Server.Addr != ":8000" || cfg.Paths.Models != "models" || cfg.Paths.Datasets != "datasets" {
		t.Errorf("defaults = %+v / %+v", cfg.Server, cfg.Paths)
	}
	if cfg.Model.ImageSize != 256 || cfg.Train.Epochs != 5 || cfg.Train.BatchSize != 32 || cfg.Train.LearningRate != 5e-4 {
		t.Errorf("training defaults = %+v / %+v", cfg.Model, cfg.Train)
	}
	if cfg.ONNX.Sessions != 2 {
		t.Errorf("onnx.sessions = %d, want 2", cfg.ONNX.Sessions)
	}
	if cfg.Acquire.Timeout != 20*time.Second || cfg.Jobs.Store != "memory" {
		t.Errorf("acquire/jobs defaults = %+v / %+v", cfg.Acquire, cfg.Jobs)
	}
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "scanfood.yaml")
	writeFile(t, file, `
server:
  addr: ":9000"
paths:
  models: store/models
  datasets: /abs/datasets
model:
  backbone: pooled-v1
  image_size: 128
train:
  epochs: 12
acquire:
  keywords_file: keywords.yaml
  throttle: 250ms
`)
	writeFile(t, filepath.Join(dir, "keywords.yaml"), `
com_tam:
  - com tam
  - broken rice
`)
	t.Setenv("SCANFOOD_TRAIN_EPOCHS", "20")
	t.Setenv("SCANFOOD_LOG_LEVEL", "debug")

	flags := config.Flags("test")
	if err := flags.Parse([]string{"--config", file, "--addr", ":7000"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.File != file {
		t.Errorf("File = %q, want %q", cfg.File, file)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %q, flag should win", cfg.Server.Addr)
	}
	if cfg.Train.Epochs != 20 {
		t.Errorf("epochs = %d, env should win over file", cfg.Train.Epochs)
	}
	if cfg.Model.Backbone != "pooled-v1" || cfg.Model.ImageSize != 128 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if want := filepath.Join(dir, "store", "models"); cfg.Paths.Models != want {
		t.Errorf("models = %q, want %q (relative to the config file)", cfg.Paths.Models, want)
	}
	if cfg.Paths.Datasets != "/abs/datasets" {
		t.Errorf("datasets = %q, absolute paths stay", cfg.Paths.Datasets)
	}
	if cfg.Acquire.Throttle != 250*time.Millisecond {
		t.Errorf("throttle = %v", cfg.Acquire.Throttle)
	}
	if diff := cmp.Diff(map[string][]string{"com_tam": {"com tam", "broken rice"}}, cfg.Acquire.Keywords); diff != "" {
		t.Errorf("keywords (-want +got):\n%s", diff)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("explicit config file must exist", func(t *testing.T) {
		t.Setenv("SCANFOOD_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
		if _, err := config.Load(nil); err == nil {
			t.Error("Load succeeded without the named config file")
		}
	})

	t.Run("postgres store needs a url", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("SCANFOOD_CONFIG", "")
		t.Setenv("SCANFOOD_JOBS_STORE", "postgres")
		if _, err := config.Load(nil); err == nil {
			t.Error("Load accepted postgres without a url")
		}
	})

	t.Run("unknown log level", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("SCANFOOD_CONFIG", "")
		t.Setenv("SCANFOOD_LOG_LEVEL", "chatty")
		if _, err := config.Load(nil); err == nil {
			t.Error("Load accepted an unknown log level")
		}
	})
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]log.Lvl{"debug": log.DEBUG, "": log.INFO, "WARN": log.WARN, "error": log.ERROR, "off": log.OFF} {
		got, err := config.ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
