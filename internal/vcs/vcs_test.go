package vcs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/phobologic/repoindex/internal/model"
)

const sampleDiff = `diff --git a/lib/x.py b/lib/x.py
index 3b18e51..a4c1f2d 100644
--- a/lib/x.py
+++ b/lib/x.py
@@ -1,2 +1,2 @@
 def f():
-    return 1
+    return 2
diff --git a/lib/new.py b/lib/new.py
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/lib/new.py
@@ -0,0 +1 @@
+x = 1
diff --git a/old.py b/old.py
deleted file mode 100644
index 3b18e51..0000000
--- a/old.py
+++ /dev/null
@@ -1 +0,0 @@
-y = 2
`

func TestParseDiff(t *testing.T) {
	t.Parallel()

	cs, err := ParseDiff([]byte(sampleDiff))
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	check := func(name string, got []string, want ...string) {
		t.Helper()
		if len(got) != len(want) {
			t.Errorf("%s = %v, want %v", name, got, want)
			return
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s = %v, want %v", name, got, want)
			}
		}
	}
	check("added", cs.Added, "lib/new.py")
	check("modified", cs.Modified, "lib/x.py")
	check("deleted", cs.Deleted, "old.py")
	check("paths", cs.Paths(), "lib/new.py", "lib/x.py", "old.py")
}

func TestParseDiffEmpty(t *testing.T) {
	t.Parallel()

	cs, err := ParseDiff(nil)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	if !cs.Empty() {
		t.Errorf("expected empty change set, got %+v", cs)
	}
}

func TestGitHeaderPaths(t *testing.T) {
	t.Parallel()

	orig, next := gitHeaderPaths([]string{"diff --git a/docs/empty.py b/docs/empty.py", "new file mode 100644"})
	if orig != "docs/empty.py" || next != "docs/empty.py" {
		t.Errorf("got %q, %q", orig, next)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDetectWithoutBaseline(t *testing.T) {
	t.Parallel()

	g := NewGit(t.TempDir(), time.Second, discardLogger())
	if _, err := g.Detect(context.Background(), model.Baseline{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestDetectOutsideRepo(t *testing.T) {
	t.Parallel()

	g := NewGit(t.TempDir(), time.Second, discardLogger())
	_, err := g.Detect(context.Background(), model.Baseline{Commit: "deadbeef"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-c", "user.email=t@example.com", "-c", "user.name=t"}, args...)...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGitDetect(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q")
	writeFile(t, dir, "a.py", "import lib.x\n")
	writeFile(t, dir, "lib/x.py", "def f():\n    return 1\n")
	writeFile(t, dir, "lib/gone.py", "z = 1\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-q", "-m", "init")

	g := NewGit(dir, 5*time.Second, discardLogger())
	ctx := context.Background()

	base, err := g.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if base.Commit == "" || len(base.Dirty) != 0 {
		t.Fatalf("baseline = %+v", base)
	}

	writeFile(t, dir, "lib/x.py", "def f():\n    return 2\n")
	writeFile(t, dir, "lib/new.py", "y = 1\n")
	if err := os.Remove(filepath.Join(dir, "lib/gone.py")); err != nil {
		t.Fatal(err)
	}

	cs, err := g.Detect(ctx, base)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(cs.Modified) != 1 || cs.Modified[0] != "lib/x.py" {
		t.Errorf("modified = %v", cs.Modified)
	}
	if len(cs.Added) != 1 || cs.Added[0] != "lib/new.py" {
		t.Errorf("added = %v", cs.Added)
	}
	if len(cs.Deleted) != 1 || cs.Deleted[0] != "lib/gone.py" {
		t.Errorf("deleted = %v", cs.Deleted)
	}

	// A dirty baseline: nothing changed since it was taken.
	dirty, err := g.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if len(dirty.Dirty) != 3 || dirty.Dirty["lib/gone.py"] != "" || dirty.Dirty["lib/x.py"] == "" {
		t.Fatalf("dirty = %v", dirty.Dirty)
	}
	cs, err = g.Detect(ctx, dirty)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !cs.Empty() {
		t.Errorf("unchanged dirty files reported: %+v", cs)
	}

	// Reverting a dirty file changes its content relative to the index.
	writeFile(t, dir, "lib/x.py", "def f():\n    return 1\n")
	writeFile(t, dir, "lib/new.py", "y = 2\n")
	cs, err = g.Detect(ctx, dirty)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(cs.Modified) != 1 || cs.Modified[0] != "lib/x.py" {
		t.Errorf("modified = %v", cs.Modified)
	}
	if len(cs.Added) != 1 || cs.Added[0] != "lib/new.py" {
		t.Errorf("added = %v", cs.Added)
	}
	if len(cs.Deleted) != 0 {
		t.Errorf("deleted = %v", cs.Deleted)
	}
}

func TestGitDetectRestoredAndRemovedDirtyFiles(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q")
	writeFile(t, dir, "kept.py", "k = 1\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-q", "-m", "init")

	if err := os.Remove(filepath.Join(dir, "kept.py")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "scratch.py", "s = 1\n")

	g := NewGit(dir, 5*time.Second, discardLogger())
	ctx := context.Background()
	base, err := g.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	writeFile(t, dir, "kept.py", "k = 1\n")
	if err := os.Remove(filepath.Join(dir, "scratch.py")); err != nil {
		t.Fatal(err)
	}
	cs, err := g.Detect(ctx, base)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(cs.Added) != 1 || cs.Added[0] != "kept.py" {
		t.Errorf("added = %v", cs.Added)
	}
	if len(cs.Deleted) != 1 || cs.Deleted[0] != "scratch.py" {
		t.Errorf("deleted = %v", cs.Deleted)
	}
	if len(cs.Modified) != 0 {
		t.Errorf("modified = %v", cs.Modified)
	}
}

func TestGitTimeoutIsUnavailable(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q")
	writeFile(t, dir, "a.py", "a = 1\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-q", "-m", "init")

	g := NewGit(dir, time.Nanosecond, discardLogger())
	if _, err := g.Current(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Current err = %v, want ErrUnavailable", err)
	}
	_, err := g.Detect(context.Background(), model.Baseline{Commit: "HEAD"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Detect err = %v, want ErrUnavailable", err)
	}
}
