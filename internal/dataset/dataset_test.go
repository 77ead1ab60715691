package dataset_test

import (
	"errors"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/scanfood-api/internal/dataset"
	"github.com/google/go-cmp/cmp"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"train/pho_bo/1.jpg",
		"train/pho_bo/2.JPEG",
		"train/pho_bo/notes.txt",
		"train/banh_my/a.png",
		"val/pho_bo/3.jpg",
		"val/com_tam/4.jpg",
	} {
		touch(t, filepath.Join(root, p))
	}

	f, err := dataset.Discover(root)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"banh_my", "pho_bo"}, f.Classes); diff != "" {
		t.Errorf("classes (-want +got):\n%s", diff)
	}
	wantTrain := dataset.Split{
		Samples: []dataset.Sample{
			{Path: filepath.Join(root, "train/banh_my/a.png"), Label: 0},
			{Path: filepath.Join(root, "train/pho_bo/1.jpg"), Label: 1},
			{Path: filepath.Join(root, "train/pho_bo/2.JPEG"), Label: 1},
		},
		Counts: []int{1, 2},
	}
	if diff := cmp.Diff(wantTrain, f.Train); diff != "" {
		t.Errorf("train (-want +got):\n%s", diff)
	}
	wantVal := dataset.Split{
		Samples: []dataset.Sample{{Path: filepath.Join(root, "val/pho_bo/3.jpg"), Label: 1}},
		Counts:  []int{0, 1},
	}
	if diff := cmp.Diff(wantVal, f.Val); diff != "" {
		t.Errorf("val (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"com_tam"}, f.UnknownVal); diff != "" {
		t.Errorf("unknown val classes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 1}, f.Train.Labels()); diff != "" {
		t.Errorf("labels (-want +got):\n%s", diff)
	}
}

func TestDiscover_NoClasses(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "val/pho_bo/1.jpg"))
	if _, err := dataset.Discover(root); !errors.Is(err, dataset.ErrNoClasses) {
		t.Errorf("err = %v, want ErrNoClasses", err)
	}
}

func TestDiscover_MissingVal(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "train/pho_bo/1.jpg"))
	f, err := dataset.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Val.Samples) != 0 || len(f.Val.Counts) != 1 {
		t.Errorf("val = %+v, want empty", f.Val)
	}
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()

	// PNG content behind a .jpg name still decodes
	path := filepath.Join(dir, "mislabelled.jpg")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	png.Encode(f, image.NewRGBA(image.Rect(0, 0, 3, 2)))
	f.Close()

	img, err := dataset.LoadImage(path)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Errorf("bounds = %v", img.Bounds())
	}

	broken := filepath.Join(dir, "broken.jpg")
	os.WriteFile(broken, []byte("nope"), 0o644)
	if _, err := dataset.LoadImage(broken); err == nil {
		t.Error("LoadImage decoded garbage")
	}
}

func TestBalancedSampler(t *testing.T) {
	labels := []int{0, 0, 0, 0, 0, 0, 0, 0, 1, 1}
	s := dataset.NewBalancedSampler(labels, 2)
	if s.Len() != len(labels) {
		t.Fatalf("Len = %d", s.Len())
	}

	order := s.Epoch(rand.New(rand.NewSource(1)), 20000)
	minority := 0
	for _, i := range order {
		if i < 0 || i >= len(labels) {
			t.Fatalf("index %d out of range", i)
		}
		if labels[i] == 1 {
			minority++
		}
	}
	if share := float64(minority) / float64(len(order)); share < 0.47 || share > 0.53 {
		t.Errorf("minority share = %.3f, want about 0.5", share)
	}

	if dataset.NewBalancedSampler(nil, 2).Epoch(rand.New(rand.NewSource(1)), 5) != nil {
		t.Error("empty sampler drew indices")
	}
}

func TestIsImageFile(t *testing.T) {
	for name, want := range map[string]bool{
		"a.jpg": true, "b.JPEG": true, "c.png": true, "d.webp": false, "e.txt": false, "jpg": false,
	} {
		if got := dataset.IsImageFile(name); got != want {
			t.Errorf("IsImageFile(%q) = %v, want %v", name, got, want)
		}
	}
}
