package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sampleJSON = `{
  "product": [
    {
      "model": "ES-32A",
      "name": "ExpTech Sensor 32A",
      "path": "firmware/es-32a",
      "versions": [
        {"version": "25w48a", "type": "Release"},
        {"version": "25w50a", "type": "Pre-Release"},
        {"version": "25w47a", "type": "Release"},
        {"version": "25w48b", "type": "Pre-Release"}
      ]
    },
    {
      "model": "ES-32B",
      "name": "ExpTech Sensor 32B",
      "path": "firmware/es-32b",
      "versions": []
    }
  ]
}`

func sampleManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := Decode([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	return m
}

func TestDecode(t *testing.T) {
	m := sampleManifest(t)

	if len(m.Products) != 2 {
		t.Fatalf("got %d products, want 2", len(m.Products))
	}
	if m.Products[0].Model != "ES-32A" {
		t.Errorf("Model = %q, want ES-32A", m.Products[0].Model)
	}
	if len(m.Products[0].Versions) != 4 {
		t.Errorf("got %d versions, want 4", len(m.Products[0].Versions))
	}
}

func TestDecode_BadJSON(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("Decode() accepted garbage")
	}
}

func TestAvailable_SkipsEmptyProducts(t *testing.T) {
	m := sampleManifest(t)

	avail := m.Available()
	if len(avail) != 1 {
		t.Fatalf("got %d available products, want 1", len(avail))
	}
	if avail[0].Model != "ES-32A" {
		t.Errorf("Model = %q, want ES-32A", avail[0].Model)
	}
}

func TestFind(t *testing.T) {
	m := sampleManifest(t)

	p, err := m.Find("es-32a")
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if p.Name != "ExpTech Sensor 32A" {
		t.Errorf("Name = %q", p.Name)
	}

	_, err = m.Find("ES-99")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("error = %v, want ErrUnknownModel", err)
	}
}

func TestVersionsFor_SortedAscending(t *testing.T) {
	m := sampleManifest(t)
	p, _ := m.Find("ES-32A")

	versions, err := p.VersionsFor(ChannelAll)
	if err != nil {
		t.Fatalf("VersionsFor() error: %v", err)
	}

	want := []string{"25w47a", "25w48a", "25w48b", "25w50a"}
	if len(versions) != len(want) {
		t.Fatalf("got %d versions, want %d", len(versions), len(want))
	}
	for i, w := range want {
		if versions[i].Version != w {
			t.Errorf("versions[%d] = %q, want %q", i, versions[i].Version, w)
		}
	}
}

func TestVersionsFor_ReleaseChannelFilters(t *testing.T) {
	m := sampleManifest(t)
	p, _ := m.Find("ES-32A")

	versions, err := p.VersionsFor(ChannelRelease)
	if err != nil {
		t.Fatalf("VersionsFor() error: %v", err)
	}
	for _, v := range versions {
		if v.Type != "Release" {
			t.Errorf("channel Release returned %s version %s", v.Type, v.Version)
		}
	}
	if len(versions) != 2 {
		t.Errorf("got %d release versions, want 2", len(versions))
	}
}

func TestVersionsFor_Empty(t *testing.T) {
	m := sampleManifest(t)
	p, _ := m.Find("ES-32B")

	if _, err := p.VersionsFor(ChannelAll); !errors.Is(err, ErrNoVersions) {
		t.Errorf("error = %v, want ErrNoVersions", err)
	}
}

func TestLatest(t *testing.T) {
	m := sampleManifest(t)
	p, _ := m.Find("ES-32A")

	v, err := p.Latest(ChannelAll)
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if v.Version != "25w50a" {
		t.Errorf("Latest(All) = %q, want 25w50a", v.Version)
	}

	v, err = p.Latest(ChannelRelease)
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if v.Version != "25w48a" {
		t.Errorf("Latest(Release) = %q, want 25w48a", v.Version)
	}
}

func TestPick(t *testing.T) {
	m := sampleManifest(t)
	p, _ := m.Find("ES-32A")

	v, err := p.Pick(ChannelAll, "25w48b")
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if v.Type != "Pre-Release" {
		t.Errorf("Type = %q, want Pre-Release", v.Type)
	}

	// Empty name means latest.
	v, err = p.Pick(ChannelAll, "")
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if v.Version != "25w50a" {
		t.Errorf("Pick(\"\") = %q, want 25w50a", v.Version)
	}

	if _, err := p.Pick(ChannelRelease, "25w50a"); !errors.Is(err, ErrNoVersions) {
		t.Errorf("picking a pre-release on the Release channel: error = %v, want ErrNoVersions", err)
	}
}

func TestLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"25w47a", "25w48a", true},
		{"25w48a", "25w48b", true},
		{"25w48b", "25w48a", false},
		{"24w52b", "25w01a", true},
		{"25w47a", "25w47a", false},
		{"garbage", "25w01a", true}, // unparseable sorts first
		{"25w47", "25w47a", false},  // missing letter defaults to a
	}
	for _, tt := range tests {
		if got := Less(tt.a, tt.b); got != tt.want {
			t.Errorf("Less(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestArtifactURL(t *testing.T) {
	base := "https://example.com/recovery"
	v := Version{Version: "25w48a"}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative", "firmware/es-32a", "https://example.com/recovery/firmware/es-32a/25w48a.bin"},
		{"leading slash", "/firmware/es-32a", "https://example.com/recovery/firmware/es-32a/25w48a.bin"},
		{"absolute", "https://cdn.example.com/fw", "https://cdn.example.com/fw/25w48a.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Product{Path: tt.path}
			if got := p.ArtifactURL(v, base); got != tt.want {
				t.Errorf("ArtifactURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()

	m, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(m.Products) != 2 {
		t.Errorf("got %d products, want 2", len(m.Products))
	}
}

func TestFetch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("Fetch() succeeded on a 404")
	}
}
