package acquire_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/acquire"
	"github.com/Brownie44l1/scanfood-api/internal/retry"
	"github.com/google/go-cmp/cmp"
)

// fakeSearch mimics the token page and two pages of the JSON endpoint. The
// first JSON request fails with 503, and the first page opens with a hit that
// carries no image URL.
func fakeSearch(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var jsonCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><script>vqd="4-123456789";</script></html>`))
	})
	mux.HandleFunc("/i.js", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("vqd") != "4-123456789" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		if jsonCalls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		page := map[string]any{
			"results": []map[string]string{
				{"title": "a hit without an image"},
				{"image": "https://img/1.jpg", "title": "one", "url": "https://src/1"},
				{"image": "https://img/2.jpg", "title": "two", "url": "https://src/2"},
			},
			"next": "i.js?q=pho&vqd=4-123456789&s=2",
		}
		if r.URL.Query().Get("s") == "2" {
			page = map[string]any{
				"results": []map[string]string{
					{"image": "https://img/2.jpg", "title": "two again"},
					{"image": "https://img/3.jpg", "title": "three"},
				},
			}
		}
		json.NewEncoder(w).Encode(page)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &jsonCalls
}

func TestDuckDuckGo_Images(t *testing.T) {
	srv, calls := fakeSearch(t)
	d := acquire.NewDuckDuckGo(
		acquire.WithBaseURL(srv.URL),
		acquire.WithRetry(func() retry.Backoff {
			return retry.Limit(2, retry.StaticBackoff(time.Millisecond))
		}),
		acquire.WithCacheTTL(time.Minute),
	)

	got, err := d.Images(context.Background(), "pho", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []acquire.Result{
		{Image: "https://img/1.jpg", Title: "one", Source: "https://src/1"},
		{Image: "https://img/2.jpg", Title: "two", Source: "https://src/2"},
		{Image: "https://img/3.jpg", Title: "three"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("json requests = %d, want 3 (one retried)", n)
	}

	again, err := d.Images(context.Background(), "pho", 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, again); diff != "" {
		t.Errorf("cached results (-want +got):\n%s", diff)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("json requests after cached query = %d, want 3", n)
	}
}

func TestDuckDuckGo_ImagesLimit(t *testing.T) {
	srv, _ := fakeSearch(t)
	d := acquire.NewDuckDuckGo(
		acquire.WithBaseURL(srv.URL),
		acquire.WithRetry(func() retry.Backoff { return retry.Limit(1, retry.StaticBackoff(time.Millisecond)) }),
		acquire.WithCacheTTL(0),
	)

	got, err := d.Images(context.Background(), "pho", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Image != "https://img/1.jpg" {
		t.Errorf("Images(limit 1) = %+v, want only the first hit with an image", got)
	}
}
