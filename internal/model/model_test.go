package model

import (
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  string
		want SchemaVersion
	}{
		{"1.0", LegacyV1},
		{"1", LegacyV1},
		{"2.0", SplitV2},
		{"v2.0-split", SplitV2},
		{"2.1", EnhancedV2_1},
		{"2.1.3", EnhancedV2_1},
		{"2.2", SubmoduleV2_2},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			t.Parallel()
			got, err := ParseVersion(tt.tag)
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.tag, err)
			}
			if got != tt.want {
				t.Errorf("ParseVersion(%q) = %v, want %v", tt.tag, got, tt.want)
			}
		})
	}
}

func TestParseVersionRejects(t *testing.T) {
	t.Parallel()

	if _, err := ParseVersion("not-a-version"); err == nil {
		t.Error("expected error for garbage tag")
	}
	_, err := ParseVersion("3.0")
	if !errors.Is(err, ErrFutureVersion) {
		t.Errorf("3.0: err = %v, want ErrFutureVersion", err)
	}
	_, err = ParseVersion("2.7")
	if !errors.Is(err, ErrFutureVersion) {
		t.Errorf("2.7: err = %v, want ErrFutureVersion", err)
	}
}

func TestVersionRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []SchemaVersion{LegacyV1, SplitV2, EnhancedV2_1, SubmoduleV2_2} {
		got, err := ParseVersion(v.String())
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %v -> %v", v, got)
		}
	}
}

func TestVersionCapabilities(t *testing.T) {
	t.Parallel()

	if LegacyV1.Native() {
		t.Error("legacy format must not be native")
	}
	if !SplitV2.Native() || SplitV2.HasModuleMap() {
		t.Error("split format is native but has no module map")
	}
	if !CurrentVersion.HasModuleMap() || !CurrentVersion.HasModuleHashes() {
		t.Error("current format must carry map and hashes")
	}
}

func TestSignaturesOrdered(t *testing.T) {
	t.Parallel()

	fs := FileSymbols{
		Functions: []Function{{Name: "b", Line: 10}, {Name: "a", Line: 3}},
		Classes:   []Class{{Name: "C", Line: 3}},
	}
	sigs := fs.Signatures()
	want := []Signature{{"C", 3}, {"a", 3}, {"b", 10}}
	if len(sigs) != len(want) {
		t.Fatalf("got %d sigs, want %d", len(sigs), len(want))
	}
	for i := range want {
		if sigs[i] != want[i] {
			t.Errorf("sigs[%d] = %+v, want %+v", i, sigs[i], want[i])
		}
	}
}

func TestCoreIndexFiles(t *testing.T) {
	t.Parallel()

	core := &CoreIndex{
		ModuleReferences: map[string]ModuleReference{
			"lib":  {Files: []string{"lib/y.py", "lib/x.py"}},
			"root": {Files: []string{"a.py"}},
		},
	}
	files := core.Files()
	want := []string{"a.py", "lib/x.py", "lib/y.py"}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}
	ids := core.ModuleIDs()
	if len(ids) != 2 || ids[0] != "lib" || ids[1] != "root" {
		t.Errorf("ids = %v", ids)
	}
}
