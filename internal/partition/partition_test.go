package partition

import (
	"fmt"
	"strings"
	"testing"
)

func mustPlan(t *testing.T, files []string, cfg Config) *Partition {
	t.Helper()
	p, err := Plan(files, cfg)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return p
}

func TestPlanBasic(t *testing.T) {
	t.Parallel()

	p := mustPlan(t, []string{"a.py", "lib/x.py", "lib/y.py"}, DefaultConfig())

	want := map[string]string{"a.py": "root", "lib/x.py": "lib", "lib/y.py": "lib"}
	for f, id := range want {
		if got := p.FileToModule[f]; got != id {
			t.Errorf("FileToModule[%q] = %q, want %q", f, got, id)
		}
	}
	if len(p.Modules) != 2 {
		t.Fatalf("modules = %v, want root and lib", p.IDs())
	}
	if dir := p.Modules["root"].Directory; dir != "." {
		t.Errorf("root directory = %q, want .", dir)
	}
	if files := p.Modules["lib"].Files; len(files) != 2 || files[0] != "lib/x.py" {
		t.Errorf("lib files = %v", files)
	}
}

func TestPlanTotalAndDisjoint(t *testing.T) {
	t.Parallel()

	var files []string
	for i := 0; i < 30; i++ {
		files = append(files, fmt.Sprintf("svc/part%d/f%d.go", i%4, i))
		files = append(files, fmt.Sprintf("svc/top%d.go", i))
	}
	files = append(files, "main.go", "pkg/a/b/c/deep.go")

	p := mustPlan(t, files, Config{Depth: 1, SplitThreshold: 10, MaxDepth: 3})

	count := make(map[string]int)
	for id, m := range p.Modules {
		for _, f := range m.Files {
			count[f]++
			if p.FileToModule[f] != id {
				t.Errorf("%s listed in %s but mapped to %s", f, id, p.FileToModule[f])
			}
		}
	}
	for _, f := range files {
		if count[f] != 1 {
			t.Errorf("%s appears in %d modules", f, count[f])
		}
	}
	if len(p.FileToModule) != len(files) {
		t.Errorf("map has %d files, want %d", len(p.FileToModule), len(files))
	}
}

func TestPlanDeterministic(t *testing.T) {
	t.Parallel()

	files := []string{"b/x.py", "a/y.py", "z.py", "a-b/q.py", "a/b/r.py"}
	reversed := make([]string, len(files))
	for i, f := range files {
		reversed[len(files)-1-i] = f
	}
	p1 := mustPlan(t, files, Config{Depth: 2, SplitThreshold: 100, MaxDepth: 3})
	p2 := mustPlan(t, reversed, Config{Depth: 2, SplitThreshold: 100, MaxDepth: 3})
	for f, id := range p1.FileToModule {
		if p2.FileToModule[f] != id {
			t.Errorf("%s: %q vs %q", f, id, p2.FileToModule[f])
		}
	}
}

func TestPlanSplitsOversizedGroups(t *testing.T) {
	t.Parallel()

	var files []string
	for i := 0; i < 6; i++ {
		files = append(files, fmt.Sprintf("app/api/h%d.go", i))
		files = append(files, fmt.Sprintf("app/db/q%d.go", i))
	}
	files = append(files, "app/app.go")

	p := mustPlan(t, files, Config{Depth: 1, SplitThreshold: 5, MaxDepth: 3})

	if got := p.FileToModule["app/api/h0.go"]; got != "app-api" {
		t.Errorf("api file in %q, want app-api", got)
	}
	if got := p.FileToModule["app/db/q3.go"]; got != "app-db" {
		t.Errorf("db file in %q, want app-db", got)
	}
	if got := p.FileToModule["app/app.go"]; got != "app" {
		t.Errorf("direct file in %q, want app", got)
	}
	if dir := p.Modules["app-api"].Directory; dir != "app/api" {
		t.Errorf("app-api directory = %q", dir)
	}
}

func TestPlanRespectsMaxDepth(t *testing.T) {
	t.Parallel()

	var files []string
	for i := 0; i < 10; i++ {
		files = append(files, fmt.Sprintf("a/b/c%d/f.go", i))
	}
	p := mustPlan(t, files, Config{Depth: 1, SplitThreshold: 2, MaxDepth: 2})
	for _, f := range files {
		if id := p.FileToModule[f]; strings.Count(id, "-") > 1 {
			t.Errorf("%s in %q, deeper than max depth", f, id)
		}
	}
	if got := p.FileToModule["a/b/c1/f.go"]; got != "a-b" {
		t.Errorf("got %q, want a-b", got)
	}
}

func TestPlanIDCollisions(t *testing.T) {
	t.Parallel()

	files := []string{"a-b/x.py", "a/b/y.py", "root/z.py", "top.py"}
	p := mustPlan(t, files, Config{Depth: 2, SplitThreshold: 100, MaxDepth: 3})

	if p.FileToModule["top.py"] != RootID {
		t.Errorf("top.py in %q, want root", p.FileToModule["top.py"])
	}
	if id := p.FileToModule["root/z.py"]; id == RootID || !strings.HasPrefix(id, "root-") {
		t.Errorf("root/z.py in %q, want digest-suffixed id", id)
	}
	x, y := p.FileToModule["a-b/x.py"], p.FileToModule["a/b/y.py"]
	if x == y {
		t.Fatalf("a-b and a/b share module %q", x)
	}
	if x != "a-b" {
		t.Errorf("a-b/x.py in %q, want plain a-b", x)
	}
	if !strings.HasPrefix(y, "a-b-") {
		t.Errorf("a/b/y.py in %q, want a-b-<digest>", y)
	}

	again := mustPlan(t, files, Config{Depth: 2, SplitThreshold: 100, MaxDepth: 3})
	if again.FileToModule["a/b/y.py"] != y {
		t.Error("collision suffix is not stable")
	}
}

func TestPlanSanitizesIDs(t *testing.T) {
	t.Parallel()

	files := []string{`back\slash/a.py`, ".config/b.py", "_config/d.py"}
	p := mustPlan(t, files, Config{Depth: 1, SplitThreshold: 100, MaxDepth: 3})

	seen := make(map[string]bool)
	for _, f := range files {
		id := p.FileToModule[f]
		if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
			t.Errorf("%s in unsafe module id %q", f, id)
		}
		if seen[id] {
			t.Errorf("module id %q shared by two directories", id)
		}
		seen[id] = true
	}
	if got := p.FileToModule[`back\slash/a.py`]; got != "back_slash" {
		t.Errorf(`back\slash in %q, want back_slash`, got)
	}
	// .config sorts first and keeps the plain id; _config collides with it.
	if got := p.FileToModule[".config/b.py"]; got != "_config" {
		t.Errorf(".config in %q, want _config", got)
	}
	if got := p.FileToModule["_config/d.py"]; !strings.HasPrefix(got, "_config-") {
		t.Errorf("_config in %q, want _config-<digest>", got)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{DefaultConfig(), false},
		{Config{Depth: 0, SplitThreshold: 1, MaxDepth: 1}, true},
		{Config{Depth: 2, SplitThreshold: 1, MaxDepth: 1}, true},
		{Config{Depth: 1, SplitThreshold: 0, MaxDepth: 3}, true},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
	if _, err := Plan([]string{"a.py"}, Config{}); err == nil {
		t.Error("Plan with zero config should fail")
	}
}
