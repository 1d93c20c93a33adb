// Package firmware fetches and loads firmware images: remote artifacts
// cached on disk, local .bin files, and zstd-compressed variants of
// either.
package firmware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/exptech/esprecover/internal/flash"
	"github.com/exptech/esprecover/internal/protocol"
)

// MinSize rejects obviously truncated downloads. A real application
// image is never this small.
const MinSize = 1024

var ErrTooSmall = errors.New("firmware file too small")

// zstdMagic is the zstd frame header, byte order as on disk.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

const downloadTimeout = 5 * time.Minute

// Store downloads firmware artifacts and keeps them in a local cache
// directory so repeated recoveries of the same version skip the
// network.
type Store struct {
	CacheDir string
	Client   *http.Client
	Logger   zerolog.Logger
}

// Fetch returns the cached artifact path for model/version, downloading
// it from url first when the cache has no usable copy. force discards
// the cached copy.
func (s *Store) Fetch(ctx context.Context, url, model, version string, force bool) (string, error) {
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("fetch firmware: %w", err)
	}
	path := filepath.Join(s.CacheDir, fmt.Sprintf("%s_%s.bin", model, version))

	if info, err := os.Stat(path); err == nil {
		if info.Size() > MinSize && !force {
			s.Logger.Debug().Str("path", path).Int64("size", info.Size()).Msg("using cached firmware")
			return path, nil
		}
		// Undersized leftovers from an interrupted download get replaced.
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("fetch firmware: %w", err)
		}
	}

	s.Logger.Debug().Str("url", url).Str("path", path).Msg("downloading firmware")
	if err := s.download(ctx, url, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) download(ctx context.Context, url, path string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download firmware: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download firmware: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download firmware: %s returned %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(s.CacheDir, ".download-*")
	if err != nil {
		return fmt.Errorf("download firmware: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download firmware: %w", err)
	}
	if n <= MinSize {
		return fmt.Errorf("download firmware: %w: %s is %d bytes", ErrTooSmall, url, n)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("download firmware: %w", err)
	}
	s.Logger.Debug().Str("path", path).Int64("size", n).Msg("firmware downloaded")
	return nil
}

// Load reads a firmware file from disk, transparently decompressing
// zstd artifacts. Compression is detected by the frame magic, so a
// compressed payload served under a .bin name still loads.
func Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load firmware: %w", err)
	}
	if bytes.HasPrefix(data, zstdMagic) || strings.HasSuffix(path, ".zst") {
		data, err = decompress(data)
		if err != nil {
			return nil, fmt.Errorf("load firmware %s: %w", path, err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("load firmware %s: %w: empty file", path, ErrTooSmall)
	}
	return data, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// LoadImage reads path and wraps it as an application image at the
// default flash address.
func LoadImage(path string) (flash.Image, error) {
	data, err := Load(path)
	if err != nil {
		return flash.Image{}, err
	}
	return flash.Image{
		Name: filepath.Base(path),
		Addr: protocol.AppAddress,
		Data: data,
	}, nil
}
