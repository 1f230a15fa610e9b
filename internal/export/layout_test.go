package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
)

func TestViewBase(t *testing.T) {
	tests := []struct {
		v    satellite.View
		want string
	}{
		{satellite.View{Label: "Default_Organization_View", Version: "1.0"}, "/x/ACME-Default_Organization_View-v1.0"},
		{satellite.View{Label: "Default_Organization_View", Version: "2"}, "/x/ACME-Default_Organization_View-v2.0"},
		{satellite.View{Label: "Default_Organization_View", VersionID: 1}, "/x/ACME-Default_Organization_View-v1.0"},
	}
	for _, tt := range tests {
		if got := viewBase("/x", "ACME", tt.v); got != tt.want {
			t.Errorf("viewBase(%+v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestRepoBase(t *testing.T) {
	r := satellite.Repository{Label: "epel7", Product: satellite.Product{Label: "EPEL"}}
	if got := repoBase("/x", "ACME", r); got != "/x/ACME-EPEL-epel7" {
		t.Errorf("repoBase = %q", got)
	}
	r.BackendIdentifier = "1a2b-3c"
	if got := repoBase("/x", "ACME", r); got != "/x/1a2b-3c" {
		t.Errorf("repoBase with backend id = %q", got)
	}
}

func TestResolveBase(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "repo")
	if got := resolveBase(base, true); got != base {
		t.Fatalf("without suffixed dir = %q", got)
	}
	if err := os.MkdirAll(base+incrementalSuffix, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := resolveBase(base, true); got != base+incrementalSuffix {
		t.Fatalf("incremental = %q", got)
	}
	if got := resolveBase(base, false); got != base {
		t.Fatalf("full = %q", got)
	}
}

func TestCountPackages(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"Packages/a.rpm", "Packages/b.rpm", "drpms/c.drpm", "repodata/repomd.xml", "a.rpm.bak"} {
		p := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	c, err := countPackages(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.RPM != 2 || c.DRPM != 1 || len(c.Files) != 2 || c.Total() != 3 {
		t.Fatalf("count = %+v", c)
	}
	if _, err := countPackages(filepath.Join(dir, "nope")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestMergeTree_CombinesOverlappingExports(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	write := func(p, content string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(a, "ACME/Library/content/dist/rhel/x.rpm"), "x")
	write(filepath.Join(a, "ACME/Library/content/listing"), "stale-a")
	write(filepath.Join(b, "ACME/Library/content/dist/epel/y.rpm"), "y")
	write(filepath.Join(b, "ACME/Library/content/listing"), "stale-b")
	write(filepath.Join(b, "ACME/Library/custom/z.rpm"), "z")

	dst := filepath.Join(root, "export")
	if err := mergeTree(dst, "ACME", []string{a, b, filepath.Join(root, "absent")}); err != nil {
		t.Fatalf("mergeTree: %v", err)
	}
	for _, f := range []string{"content/dist/rhel/x.rpm", "content/dist/epel/y.rpm", "custom/z.rpm"} {
		if _, err := os.Stat(filepath.Join(dst, f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
	got, err := os.ReadFile(filepath.Join(dst, "content/listing"))
	if err != nil || string(got) != "stale-b" {
		t.Errorf("later export should win: %q %v", got, err)
	}
	for _, base := range []string{a, b} {
		if _, err := os.Stat(base); !os.IsNotExist(err) {
			t.Errorf("base %s not removed", base)
		}
	}
}
