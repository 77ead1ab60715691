package sanitize_test

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/Brownie44l1/scanfood-api/internal/sanitize"
	"github.com/google/go-cmp/cmp"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// layout builds a tree with 3 good and 3 broken images plus a non-image file.
func layout(t *testing.T) (root string, broken []string) {
	t.Helper()
	root = t.TempDir()
	good := pngBytes(t)

	writeFile(t, filepath.Join(root, "train", "pho_bo", "pho_bo_0.jpg"), good)
	writeFile(t, filepath.Join(root, "train", "pho_bo", "pho_bo_1.PNG"), good)
	writeFile(t, filepath.Join(root, "val", "banh_my", "banh_my_0.jpeg"), good)

	broken = []string{
		filepath.Join(root, "train", "pho_bo", "pho_bo_2.jpg"),
		filepath.Join(root, "train", "banh_my", "banh_my_0.png"),
		filepath.Join(root, "val", "banh_my", "banh_my_1.jpg"),
	}
	writeFile(t, broken[0], []byte("<html>not an image</html>"))
	writeFile(t, broken[1], good[:len(good)/2]) // truncated
	writeFile(t, broken[2], nil)

	writeFile(t, filepath.Join(root, "train", "pho_bo", "notes.txt"), []byte("ignored"))
	return root, broken
}

func TestClean(t *testing.T) {
	t.Run("deletes exactly the corrupted files", func(t *testing.T) {
		root, broken := layout(t)

		deleted, scanned := sanitize.New().Clean(root)
		if deleted != 3 {
			t.Errorf("deleted = %d, want 3", deleted)
		}
		if scanned != 6 {
			t.Errorf("scanned = %d, want 6", scanned)
		}
		for _, p := range broken {
			if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("%s still exists", p)
			}
		}
		if _, err := os.Stat(filepath.Join(root, "train", "pho_bo", "notes.txt")); err != nil {
			t.Errorf("non-image file was touched: %v", err)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		root, _ := layout(t)
		s := sanitize.New()
		s.Clean(root)

		deleted, scanned := s.Clean(root)
		if deleted != 0 || scanned != 3 {
			t.Errorf("second run = (%d, %d), want (0, 3)", deleted, scanned)
		}
	})

	t.Run("skips files it cannot delete", func(t *testing.T) {
		root, broken := layout(t)
		var attempted []string
		s := sanitize.New(sanitize.WithRemove(func(path string) error {
			attempted = append(attempted, path)
			if path == broken[0] {
				return os.ErrPermission
			}
			return os.Remove(path)
		}))

		deleted, scanned := s.Clean(root)
		if deleted != 2 || scanned != 6 {
			t.Errorf("Clean = (%d, %d), want (2, 6)", deleted, scanned)
		}
		want := append([]string(nil), broken...)
		sort.Strings(want)
		sort.Strings(attempted)
		if diff := cmp.Diff(want, attempted); diff != "" {
			t.Errorf("removal attempts (-want +got):\n%s", diff)
		}
	})

	t.Run("tolerates missing splits", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "train", "a", "a_0.png"), pngBytes(t))

		deleted, scanned := sanitize.New().Clean(root)
		if deleted != 0 || scanned != 1 {
			t.Errorf("Clean = (%d, %d), want (0, 1)", deleted, scanned)
		}
	})
}

func TestCleanWithReport(t *testing.T) {
	root, _ := layout(t)

	got := sanitize.New().CleanWithReport(root)
	want := sanitize.Report{
		Scanned: 6,
		Deleted: 3,
		Classes: []sanitize.ClassReport{
			{Split: "train", Class: "banh_my", Kept: 0, Deleted: 1},
			{Split: "train", Class: "pho_bo", Kept: 2, Deleted: 1},
			{Split: "val", Class: "banh_my", Kept: 1, Deleted: 1},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report (-want +got):\n%s", diff)
	}
}
