package acquire_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/acquire"
)

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("payload"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte("late"))
		default:
			http.Error(w, "gone", http.StatusGone)
		}
	}))
	defer srv.Close()

	d := acquire.NewDownloader(srv.Client(), 50*time.Millisecond, nil)

	type When struct{ path string }
	type Then struct{ ok bool }

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			dir := t.TempDir()
			dest := filepath.Join(dir, "x_0.jpg")

			if got := d.Download(context.Background(), srv.URL+when.path, dest); got != then.ok {
				t.Errorf("Download = %t, want %t", got, then.ok)
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if !then.ok {
				if len(entries) != 0 {
					t.Errorf("left files behind: %v", entries)
				}
				return
			}
			if len(entries) != 1 {
				t.Errorf("files = %v, want only x_0.jpg", entries)
			}
			data, err := os.ReadFile(dest)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "payload" {
				t.Errorf("content = %q", data)
			}
		}
	}

	t.Run("stores a 200 response", theory(When{path: "/ok"}, Then{ok: true}))
	t.Run("rejects non-2xx", theory(When{path: "/gone"}, Then{ok: false}))
	t.Run("gives up after the timeout", theory(When{path: "/slow"}, Then{ok: false}))
	t.Run("never replaces an existing file", func(t *testing.T) {
		dir := t.TempDir()
		dest := filepath.Join(dir, "x_0.jpg")
		if err := os.WriteFile(dest, []byte("kept"), 0o644); err != nil {
			t.Fatal(err)
		}
		if d.Download(context.Background(), srv.URL+"/ok", dest) {
			t.Error("Download reported success onto an existing file")
		}
		if data, _ := os.ReadFile(dest); string(data) != "kept" {
			t.Errorf("content = %q, want kept", data)
		}
		if entries, _ := os.ReadDir(dir); len(entries) != 1 {
			t.Errorf("files = %v, want only x_0.jpg", entries)
		}
	})
	t.Run("swallows connection errors", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "x.jpg")
		if d.Download(context.Background(), "http://127.0.0.1:1/none", dest) {
			t.Error("Download to a closed port succeeded")
		}
	})
}
