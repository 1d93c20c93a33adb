package firmware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func testArtifact(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func artifactServer(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStore_FetchAndCache(t *testing.T) {
	body := testArtifact(8 * 1024)
	var hits atomic.Int32
	srv := artifactServer(t, body, &hits)

	store := &Store{CacheDir: t.TempDir()}

	path, err := store.Fetch(context.Background(), srv.URL, "ES-32A", "25w48a", false)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if filepath.Base(path) != "ES-32A_25w48a.bin" {
		t.Errorf("cache file = %q, want ES-32A_25w48a.bin", filepath.Base(path))
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Error("cached file does not match served artifact")
	}

	// Second fetch hits the cache, not the server.
	if _, err := store.Fetch(context.Background(), srv.URL, "ES-32A", "25w48a", false); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}

	// force discards the cached copy.
	if _, err := store.Fetch(context.Background(), srv.URL, "ES-32A", "25w48a", true); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times after force, want 2", hits.Load())
	}
}

func TestStore_RedownloadsUndersizedCacheFile(t *testing.T) {
	body := testArtifact(8 * 1024)
	var hits atomic.Int32
	srv := artifactServer(t, body, &hits)

	dir := t.TempDir()
	stale := filepath.Join(dir, "ES-32A_25w48a.bin")
	if err := os.WriteFile(stale, []byte("truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &Store{CacheDir: dir}
	path, err := store.Fetch(context.Background(), srv.URL, "ES-32A", "25w48a", false)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, body) {
		t.Error("undersized cache file was not replaced")
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestStore_RejectsTinyDownload(t *testing.T) {
	var hits atomic.Int32
	srv := artifactServer(t, []byte("404 page"), &hits)

	store := &Store{CacheDir: t.TempDir()}
	_, err := store.Fetch(context.Background(), srv.URL, "ES-32A", "25w48a", false)
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("error = %v, want ErrTooSmall", err)
	}

	entries, _ := os.ReadDir(store.CacheDir)
	if len(entries) != 0 {
		t.Errorf("rejected download left %d files in the cache", len(entries))
	}
}

func TestStore_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	store := &Store{CacheDir: t.TempDir()}
	if _, err := store.Fetch(context.Background(), srv.URL, "ES-32A", "25w48a", false); err == nil {
		t.Fatal("Fetch() succeeded on a 404")
	}
}

func TestLoad_Plain(t *testing.T) {
	body := testArtifact(4096)
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Error("loaded data does not match file")
	}
}

func TestLoad_ZstdByMagic(t *testing.T) {
	body := testArtifact(64 * 1024)

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	// Compressed payload under a plain .bin name: detection goes by
	// the frame magic, not the extension.
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Error("decompressed data does not match original")
	}
}

func TestLoad_BadZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.bin.zst")
	if err := os.WriteFile(path, []byte("definitely not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a corrupt .zst file")
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestLoadImage(t *testing.T) {
	body := testArtifact(2048)
	path := filepath.Join(t.TempDir(), "sensor.bin")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage() error: %v", err)
	}
	if img.Name != "sensor.bin" {
		t.Errorf("Name = %q, want sensor.bin", img.Name)
	}
	if img.Addr != 0 {
		t.Errorf("Addr = %#x, want 0", img.Addr)
	}
	if !bytes.Equal(img.Data, body) {
		t.Error("image data does not match file")
	}
}
