package model_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/backbone"
	"github.com/Brownie44l1/scanfood-api/internal/model"
)

type backbones struct{}

func (backbones) Backbone(name string) (backbone.Backbone, error) {
	if name != backbone.PooledName {
		return nil, backbone.ErrUnknownBackbone
	}
	return backbone.NewPooled(), nil
}

func dish(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestRegistry_NotReadyUntilSaved(t *testing.T) {
	s := model.NewStore(t.TempDir())
	r := model.NewRegistry(s, backbones{})

	if st := r.Status(); st.State != model.Unloaded {
		t.Errorf("initial state = %s, want unloaded", st.State)
	}
	if _, err := r.Predict(dish(color.White)); !errors.Is(err, model.ErrNotReady) {
		t.Fatalf("Predict without a model: err = %v, want ErrNotReady", err)
	}
	if st := r.Status(); st.State != model.Unready || st.Reason == "" {
		t.Errorf("status = %+v, want unready with a reason", st)
	}

	version := saveRun(t, s, "run", 1, []string{"banh_my", "pho_bo", "vit_quay"}, backbone.PooledName)

	// the next prediction picks the checkpoint up without an explicit reload
	p, err := r.Predict(dish(color.RGBA{R: 180, G: 120, B: 40, A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	if r.CurrentVersion() != version {
		t.Errorf("CurrentVersion = %q, want %q", r.CurrentVersion(), version)
	}
	if _, ok := p.Predictions[p.Class]; !ok || len(p.Predictions) != 3 {
		t.Errorf("prediction = %+v", p)
	}
	var sum float64
	for _, v := range p.Predictions {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-4 || p.Confidence != p.Predictions[p.Class] {
		t.Errorf("probabilities sum to %v, confidence %v", sum, p.Confidence)
	}

	st := r.Status()
	if st.State != model.Ready || st.Version != version || st.Backbone != backbone.PooledName || len(st.Classes) != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestRegistry_FailedReloadKeepsServing(t *testing.T) {
	s := model.NewStore(t.TempDir())
	r := model.NewRegistry(s, backbones{})

	good := saveRun(t, s, "run", 0, []string{"a", "b"}, backbone.PooledName)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	saveRun(t, s, "run", 1, []string{"a", "b"}, "resnet-from-the-future")
	if err := r.Load(); err == nil {
		t.Fatal("Load accepted a checkpoint for an unknown backbone")
	}
	if r.CurrentVersion() != good {
		t.Errorf("CurrentVersion = %q, want %q kept", r.CurrentVersion(), good)
	}
	if st := r.Status(); st.State != model.Ready {
		t.Errorf("state = %s, want ready", st.State)
	}
	if _, err := r.Predict(dish(color.Black)); err != nil {
		t.Errorf("Predict after failed reload: %v", err)
	}
}

func TestRegistry_ManifestMismatch(t *testing.T) {
	dir := t.TempDir()
	s := model.NewStore(dir)
	saveRun(t, s, "run", 0, []string{"a", "b"}, backbone.PooledName)

	// a manifest edited by hand no longer matches the head's outputs
	writeFile(t, filepath.Join(dir, "runs", "run-epoch000", "labels.txt"), "a\nb\nc\n")

	r := model.NewRegistry(s, backbones{})
	if err := r.Load(); err == nil {
		t.Error("Load accepted 3 labels for a 2-class head")
	}
}

func TestRegistry_Watch(t *testing.T) {
	s := model.NewStore(t.TempDir())
	r := model.NewRegistry(s, backbones{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	version := saveRun(t, s, "watched", 2, []string{"a", "b"}, backbone.PooledName)

	deadline := time.Now().Add(5 * time.Second)
	for r.CurrentVersion() != version {
		if time.Now().After(deadline) {
			t.Fatalf("registry still serves %q, want %q", r.CurrentVersion(), version)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
