package bundle

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestManifest_WriteRead(t *testing.T) {
	dir := t.TempDir()
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	in := Manifest{
		Dataset:   "20260304-0506_DoV",
		Channel:   "DoV",
		Kind:      Incremental,
		RunID:     "run-1",
		CreatedAt: time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC),
		Since:     &since,
		Resources: []string{"rhel-7-server-rpms", "epel7"},
		Counts:    map[string]Counts{"epel7": {Packages: 10, Errata: 2}},
		History:   []Dataset{"20260301-0000_DoV", "20260304-0506_DoV"},
	}
	if err := WriteManifest(dir, in); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	out, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if !reflect.DeepEqual(out.Resources, []string{"epel7", "rhel-7-server-rpms"}) {
		t.Fatalf("resources not sorted: %v", out.Resources)
	}
	if out.Since == nil || !out.Since.Equal(since) {
		t.Fatalf("since = %v", out.Since)
	}
	if out.Counts["epel7"].Packages != 10 || len(out.History) != 2 {
		t.Fatalf("manifest = %+v", out)
	}
}

func TestManifest_Validate(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
		ok   bool
	}{
		{"valid", Manifest{Dataset: "20260304-0506_DoV", Channel: "DoV", Kind: Full}, true},
		{"channel mismatch", Manifest{Dataset: "20260304-0506_DoV", Channel: "epel", Kind: Full}, false},
		{"bad dataset", Manifest{Dataset: "nope", Channel: "DoV", Kind: Full}, false},
		{"bad kind", Manifest{Dataset: "20260304-0506_DoV", Channel: "DoV", Kind: "partial"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestReadManifest_Missing(t *testing.T) {
	if _, err := ReadManifest(t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteListings(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"content/dist", "content/beta", "custom"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(root, "content/dist/a.rpm"), "x")

	if err := WriteListings(root); err != nil {
		t.Fatal(err)
	}
	tests := map[string]string{
		"":             "content\ncustom\n",
		"content":      "beta\ndist\n",
		"content/dist": "",
		"custom":       "",
	}
	for dir, want := range tests {
		got, err := os.ReadFile(filepath.Join(root, dir, ListingName))
		if err != nil {
			t.Fatalf("listing in %q: %v", dir, err)
		}
		if string(got) != want {
			t.Errorf("listing in %q = %q, want %q", dir, got, want)
		}
	}
}
