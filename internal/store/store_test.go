package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/repoindex/internal/model"
)

func sampleModule(id string) *model.DetailModule {
	return &model.DetailModule{
		ModuleID:  id,
		Version:   model.CurrentVersion.String(),
		Directory: id,
		Files: map[string]model.FileSymbols{
			id + "/b.py": {Language: "python", Functions: []model.Function{{Name: "b", Line: 1}}},
			id + "/a.py": {Language: "python"},
		},
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	t.Parallel()

	a, err := Encode(sampleModule("lib"))
	require.NoError(t, err)
	b, err := Encode(sampleModule("lib"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, byte('\n'), a[len(a)-1])
	assert.Less(t, indexOf(a, "lib/a.py"), indexOf(a, "lib/b.py"), "map keys must be sorted")
}

func indexOf(data []byte, s string) int {
	for i := 0; i+len(s) <= len(data); i++ {
		if string(data[i:i+len(s)]) == s {
			return i
		}
	}
	return -1
}

func TestWriteModuleHashMatchesDisk(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), ".repoindex"))
	hash, err := s.WriteModule(sampleModule("lib"))
	require.NoError(t, err)

	onDisk, err := s.HashModule("lib")
	require.NoError(t, err)
	assert.Equal(t, hash, onDisk)

	data, err := os.ReadFile(s.ModulePath("lib"))
	require.NoError(t, err)
	assert.Equal(t, Hash(data), hash)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	_, err := s.WriteModule(sampleModule("lib"))
	require.NoError(t, err)
	require.NoError(t, s.WriteCore(&model.CoreIndex{Version: "2.2"}))

	for _, dir := range []string{s.Dir(), filepath.Join(s.Dir(), ModulesDir)} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp", "stray temp file in %s", dir)
		}
	}
}

func TestReadMissing(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	_, err := s.ReadCore()
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.ReadModule("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, s.Exists())
}

func TestModuleIDsAndRemove(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	ids, err := s.ModuleIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"root", "lib", "app-api"} {
		_, err := s.WriteModule(sampleModule(id))
		require.NoError(t, err)
	}
	ids, err = s.ModuleIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-api", "lib", "root"}, ids)

	require.NoError(t, s.RemoveModule("lib"))
	require.NoError(t, s.RemoveModule("lib"), "removing twice is not an error")
	ids, err = s.ModuleIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-api", "root"}, ids)
}

func TestInvalidModuleID(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	for _, id := range []string{"", "..", "../escape", "a/b", ".hidden"} {
		_, err := s.WriteModule(&model.DetailModule{ModuleID: id})
		var we *WriteError
		assert.True(t, errors.As(err, &we), "id %q", id)
	}
}

func TestWriteErrorLeavesOldDocument(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	require.NoError(t, s.WriteCore(&model.CoreIndex{Version: "2.2", Project: "before"}))
	before, err := s.ReadCore()
	require.NoError(t, err)

	// A plain file where the modules directory belongs makes module writes fail.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ModulesDir), []byte("x"), 0o644))
	_, err = s.WriteModule(sampleModule("lib"))
	var we *WriteError
	require.True(t, errors.As(err, &we))

	after, err := s.ReadCore()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBackupAndPrune(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	_, err := s.Backup("pre", time.Now())
	assert.True(t, errors.Is(err, ErrNotFound), "backup without an index")

	require.NoError(t, s.WriteCore(&model.CoreIndex{Version: "2.2"}))
	_, err = s.WriteModule(sampleModule("lib"))
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var paths []string
	for i := 0; i < 3; i++ {
		p, err := s.Backup("pre-migrate", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		paths = append(paths, p)
	}
	assert.FileExists(t, filepath.Join(paths[0], CoreFile))
	assert.FileExists(t, filepath.Join(paths[0], ModulesDir, "lib.json"))

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "pre-migrate", backups[0].Name)
	assert.True(t, backups[0].CreatedAt.Before(backups[2].CreatedAt))

	removed, err := s.PruneBackups(1)
	require.NoError(t, err)
	assert.Equal(t, paths[:2], removed)
	backups, err = s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, paths[2], backups[0].Path)

	_, err = s.Backup("bad/name", base)
	assert.Error(t, err)
}
