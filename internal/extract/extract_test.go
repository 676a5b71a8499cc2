package extract

import (
	"errors"
	"testing"

	"github.com/phobologic/repoindex/internal/model"
)

func extract(t *testing.T, language, path, source string) model.FileSymbols {
	t.Helper()
	fs, err := New().Extract(path, []byte(source), language)
	if err != nil {
		t.Fatalf("Extract(%s): %v", path, err)
	}
	return fs
}

func findFunc(fs model.FileSymbols, name string) *model.Function {
	for i := range fs.Functions {
		if fs.Functions[i].Name == name {
			return &fs.Functions[i]
		}
	}
	return nil
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestUnsupportedLanguage(t *testing.T) {
	t.Parallel()

	_, err := New().Extract("x.js", []byte("let x = 1"), "javascript")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestEmptySource(t *testing.T) {
	t.Parallel()

	fs := extract(t, "python", "empty.py", "")
	if fs.Language != "python" || len(fs.Functions) != 0 || len(fs.Imports) != 0 {
		t.Errorf("unexpected symbols for empty source: %+v", fs)
	}
}

// --- Python tests ---

func TestPythonFunction(t *testing.T) {
	t.Parallel()

	fs := extract(t, "python", "a.py", "def hello(name: str) -> None:\n    pass\n")
	if len(fs.Functions) != 1 {
		t.Fatalf("expected 1 function, got %+v", fs.Functions)
	}
	fn := fs.Functions[0]
	if fn.Name != "hello" || fn.Line != 1 {
		t.Errorf("fn = %+v", fn)
	}
	if len(fn.Params) != 1 || fn.Params[0] != "name: str" {
		t.Errorf("params = %v", fn.Params)
	}
	if fn.Returns != "None" {
		t.Errorf("returns = %q", fn.Returns)
	}
}

func TestPythonClassMethods(t *testing.T) {
	t.Parallel()

	source := `class MyClass:
    def my_method(self, x: int) -> str:
        return helper(x)

    @property
    def size(self):
        return 1

def helper(x):
    return str(x)
`
	fs := extract(t, "python", "lib/m.py", source)
	if len(fs.Classes) != 1 || fs.Classes[0].Name != "MyClass" {
		t.Fatalf("classes = %+v", fs.Classes)
	}
	methods := fs.Classes[0].Methods
	if len(methods) != 2 || methods[0] != "my_method" || methods[1] != "size" {
		t.Errorf("methods = %v", methods)
	}
	m := findFunc(fs, "MyClass.my_method")
	if m == nil {
		t.Fatalf("missing MyClass.my_method in %+v", fs.Functions)
	}
	if !hasString(m.Calls, "helper") {
		t.Errorf("calls = %v, want helper", m.Calls)
	}
	if findFunc(fs, "MyClass.size") == nil {
		t.Error("decorated method not qualified")
	}
	if findFunc(fs, "helper") == nil {
		t.Error("missing helper")
	}
}

func TestPythonImports(t *testing.T) {
	t.Parallel()

	fs := extract(t, "python", "a.py", "import os\nfrom pathlib import Path\nfrom . import sibling\n")
	for _, want := range []string{"os", "pathlib.Path", "pathlib", ".sibling", "."} {
		if !hasString(fs.Imports, want) {
			t.Errorf("missing import %q in %v", want, fs.Imports)
		}
	}
}

func TestPythonTopLevelCallsIgnored(t *testing.T) {
	t.Parallel()

	fs := extract(t, "python", "a.py", "x = foo()\n\ndef f():\n    bar.baz()\n")
	f := findFunc(fs, "f")
	if f == nil {
		t.Fatal("missing f")
	}
	if len(f.Calls) != 1 || f.Calls[0] != "baz" {
		t.Errorf("calls = %v, want [baz]", f.Calls)
	}
}

func TestPythonTestCategory(t *testing.T) {
	t.Parallel()

	fs := extract(t, "python", "tests/test_x.py", "def test_thing():\n    pass\n")
	if fs.Functions[0].Category != "test" {
		t.Errorf("category = %q, want test", fs.Functions[0].Category)
	}
}

// --- Go tests ---

func TestGoFunctionAndCalls(t *testing.T) {
	t.Parallel()

	source := `package main

import (
	"fmt"
	"example.com/m/util"
)

func main() {
	fmt.Println("hello")
	doStuff()
	go func() { util.Run() }()
}

func doStuff() error { return nil }
`
	fs := extract(t, "go", "cmd/main.go", source)
	if !hasString(fs.Imports, "fmt") || !hasString(fs.Imports, "example.com/m/util") {
		t.Errorf("imports = %v", fs.Imports)
	}
	m := findFunc(fs, "main")
	if m == nil {
		t.Fatalf("missing main in %+v", fs.Functions)
	}
	if m.Category != "entrypoint" {
		t.Errorf("category = %q", m.Category)
	}
	for _, want := range []string{"Println", "doStuff", "Run"} {
		if !hasString(m.Calls, want) {
			t.Errorf("main calls = %v, missing %s", m.Calls, want)
		}
	}
	d := findFunc(fs, "doStuff")
	if d == nil || d.Returns != "error" {
		t.Errorf("doStuff = %+v", d)
	}
}

func TestGoMethodBeforeType(t *testing.T) {
	t.Parallel()

	source := `package srv

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
}

type Server struct {
	Port int
}

func (o Other) Skip() {}
`
	fs := extract(t, "go", "srv/server.go", source)
	if findFunc(fs, "Server.Handle") == nil {
		t.Fatalf("missing Server.Handle in %+v", fs.Functions)
	}
	if findFunc(fs, "Other.Skip") == nil {
		t.Error("methods on types declared elsewhere must still be recorded")
	}
	if len(fs.Classes) != 1 {
		t.Fatalf("classes = %+v, want only Server", fs.Classes)
	}
	cls := fs.Classes[0]
	if cls.Name != "Server" || cls.Line != 6 {
		t.Errorf("class = %+v", cls)
	}
	if len(cls.Methods) != 1 || cls.Methods[0] != "Handle" {
		t.Errorf("methods = %v", cls.Methods)
	}
}

func TestGoTestCategory(t *testing.T) {
	t.Parallel()

	fs := extract(t, "go", "x/x_test.go", "package x\n\nfunc TestX(t *testing.T) {}\n")
	if fs.Functions[0].Category != "test" {
		t.Errorf("category = %q, want test", fs.Functions[0].Category)
	}
}

// --- Ruby tests ---

func TestRubyClassAndMethods(t *testing.T) {
	t.Parallel()

	source := `require 'json'
require_relative 'helper'

class Config
  def self.load(path)
    new(path).parse
  end

  def parse
    JSON.parse(@raw)
  end
end
`
	fs := extract(t, "ruby", "lib/config.rb", source)
	if !hasString(fs.Imports, "json") || !hasString(fs.Imports, "./helper") {
		t.Errorf("imports = %v", fs.Imports)
	}
	if len(fs.Classes) != 1 || fs.Classes[0].Name != "Config" {
		t.Fatalf("classes = %+v", fs.Classes)
	}
	load := findFunc(fs, "Config.load")
	if load == nil {
		t.Fatalf("missing Config.load in %+v", fs.Functions)
	}
	if !hasString(load.Calls, "parse") {
		t.Errorf("load calls = %v", load.Calls)
	}
	parse := findFunc(fs, "Config.parse")
	if parse == nil || !hasString(parse.Calls, "parse") {
		t.Errorf("parse = %+v", parse)
	}
}

func TestCategorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path, name, want string
	}{
		{"main.go", "main", "entrypoint"},
		{"a_test.go", "TestA", "test"},
		{"a.go", "TestA", ""},
		{"t.py", "test_a", "test"},
		{"spec/a_spec.rb", "it_works", "test"},
		{"a.py", "run", ""},
	}
	for _, tt := range tests {
		if got := Categorize(tt.path, tt.name); got != tt.want {
			t.Errorf("Categorize(%q, %q) = %q, want %q", tt.path, tt.name, got, tt.want)
		}
	}
}
