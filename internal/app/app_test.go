package app_test

import (
	"testing"

	"github.com/Brownie44l1/scanfood-api/internal/app"
	"github.com/Brownie44l1/scanfood-api/internal/backbone"
	"github.com/Brownie44l1/scanfood-api/internal/config"
)

func TestNew_ServingAndTrainingUseSeparateBackbones(t *testing.T) {
	cfg := &config.Config{}
	cfg.Model.ImageSize = 32
	cfg.Model.Backbone = backbone.PooledName
	cfg.Paths.Models = t.TempDir()
	cfg.Train.Workers = 2

	a := app.New(cfg)
	defer a.Close()

	if a.Backbones == a.TrainBackbones {
		t.Fatal("registry and trainer share one backbone provider")
	}
	serving, err := a.Backbones.Backbone(backbone.PooledName)
	if err != nil {
		t.Fatal(err)
	}
	training, err := a.TrainBackbones.Backbone(backbone.PooledName)
	if err != nil {
		t.Fatal(err)
	}
	if serving == training {
		t.Error("registry and trainer got the same backbone instance")
	}
}
