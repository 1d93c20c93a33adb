// Package manifest models the remote firmware.json index: the products
// it lists, their published versions, and the ordering rules for
// picking the latest one.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrNoVersions   = errors.New("no versions available")
)

// Channel selects which release types a version listing includes.
type Channel string

const (
	// ChannelRelease lists only versions tagged Release.
	ChannelRelease Channel = "Release"
	// ChannelAll lists pre-release and release versions alike.
	ChannelAll Channel = "All"
)

// Manifest is the decoded firmware.json index.
type Manifest struct {
	Products []Product `json:"product"`
}

// Product is one device model with its published firmware versions.
type Product struct {
	Model    string    `json:"model"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Versions []Version `json:"versions"`
}

// Version is one published firmware build.
type Version struct {
	Version string `json:"version"`
	Type    string `json:"type"`
}

const fetchTimeout = 30 * time.Second

// Fetch downloads and decodes the manifest from url.
func Fetch(ctx context.Context, url string) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: %s returned %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	return Decode(body)
}

// Decode parses raw firmware.json bytes.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Available returns the products that have at least one version.
func (m *Manifest) Available() []Product {
	out := make([]Product, 0, len(m.Products))
	for _, p := range m.Products {
		if len(p.Versions) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Find looks a product up by model, case-insensitively.
func (m *Manifest) Find(model string) (Product, error) {
	for _, p := range m.Products {
		if strings.EqualFold(p.Model, model) {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// VersionsFor returns the product's versions on the given channel,
// sorted oldest to newest.
func (p Product) VersionsFor(ch Channel) ([]Version, error) {
	var out []Version
	for _, v := range p.Versions {
		if ch == ChannelRelease && v.Type != string(ChannelRelease) {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s on channel %s", ErrNoVersions, p.Model, ch)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i].Version, out[j].Version)
	})
	return out, nil
}

// Latest returns the newest version on the channel.
func (p Product) Latest(ch Channel) (Version, error) {
	versions, err := p.VersionsFor(ch)
	if err != nil {
		return Version{}, err
	}
	return versions[len(versions)-1], nil
}

// Pick returns the named version, or the latest when name is empty.
func (p Product) Pick(ch Channel, name string) (Version, error) {
	if name == "" {
		return p.Latest(ch)
	}
	versions, err := p.VersionsFor(ch)
	if err != nil {
		return Version{}, err
	}
	for _, v := range versions {
		if strings.EqualFold(v.Version, name) {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w: version %q not published for %s", ErrNoVersions, name, p.Model)
}

// ArtifactURL builds the firmware download URL for a version. Relative
// product paths are resolved against baseURL.
func (p Product) ArtifactURL(v Version, baseURL string) string {
	url := p.Path + "/" + v.Version + ".bin"
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	base := strings.TrimSuffix(baseURL, "/")
	if strings.HasPrefix(url, "/") {
		return base + url
	}
	return base + "/" + url
}

// parsedVersion is the sortable form of a year-week version string
// such as 25w47a: year 25, week 47, build letter a.
type parsedVersion struct {
	year   int
	week   int
	letter string
}

func parseVersion(s string) parsedVersion {
	s = strings.ToLower(strings.TrimSpace(s))
	year, rest, ok := strings.Cut(s, "w")
	if !ok {
		return parsedVersion{letter: "a"}
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return parsedVersion{letter: "a"}
	}
	var digits, letters strings.Builder
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= 'a' && r <= 'z':
			letters.WriteRune(r)
		}
	}
	w, err := strconv.Atoi(digits.String())
	if err != nil {
		return parsedVersion{letter: "a"}
	}
	letter := letters.String()
	if letter == "" {
		letter = "a"
	}
	return parsedVersion{year: y, week: w, letter: letter}
}

// Less orders version strings chronologically: by year, then ISO week,
// then build letter. Unparseable versions sort first.
func Less(a, b string) bool {
	pa, pb := parseVersion(a), parseVersion(b)
	if pa.year != pb.year {
		return pa.year < pb.year
	}
	if pa.week != pb.week {
		return pa.week < pb.week
	}
	return pa.letter < pb.letter
}
