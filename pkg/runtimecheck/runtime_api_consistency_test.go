package runtimecheck

import (
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
)

func repoRoot(t *testing.T) string {
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not find repo root (go.mod) from %s", dir)
		}
		dir = parent
	}
}

func readFile(t *testing.T, path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

// parseMemory parses the non-test sources of pkg/memory
func parseMemory(t *testing.T) (*token.FileSet, map[string]*ast.File) {
	dir := filepath.Join(repoRoot(t), "pkg", "memory")
	paths, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	fset := token.NewFileSet()
	files := make(map[string]*ast.File)
	for _, p := range paths {
		if strings.HasSuffix(p, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, p, nil, 0)
		if err != nil {
			t.Fatalf("parse %s: %v", p, err)
		}
		files[filepath.Base(p)] = f
	}
	return fset, files
}

func structFields(t *testing.T, files map[string]*ast.File, name string) []string {
	for _, f := range files {
		for _, decl := range f.Decls {
			gd, ok := decl.(*ast.GenDecl)
			if !ok || gd.Tok != token.TYPE {
				continue
			}
			for _, spec := range gd.Specs {
				ts := spec.(*ast.TypeSpec)
				st, ok := ts.Type.(*ast.StructType)
				if !ok || ts.Name.Name != name {
					continue
				}
				var fields []string
				for _, fl := range st.Fields.List {
					for _, n := range fl.Names {
						fields = append(fields, n.Name)
					}
				}
				return fields
			}
		}
	}
	t.Fatalf("struct %s not found", name)
	return nil
}

func TestAddressTranslationHasOneDefinition(t *testing.T) {
	_, files := parseMemory(t)
	root := repoRoot(t)
	re := regexp.MustCompile(`-\s*HeaderSize\b`)
	var sites []string
	for name := range files {
		content := readFile(t, filepath.Join(root, "pkg", "memory", name))
		if re.MatchString(content) {
			sites = append(sites, name)
		}
	}
	if len(sites) != 1 || sites[0] != "cell.go" {
		t.Errorf("payload to cell translation must live only in cell.go, found in %v", sites)
	}
}

// Every store into the arena happens in a function that maintains the
// counts for it: the write barrier, header setters, allocation and scalar
// stores.
func TestArenaStoresGoThroughBarrier(t *testing.T) {
	_, files := parseMemory(t)
	allowed := map[string]bool{
		"Assign":        true,
		"AssignNoCycle": true,
		"setRefcount":   true,
		"Allocate":      true,
		"StoreWord":     true,
	}
	found := make(map[string]bool)
	for name, f := range files {
		for _, decl := range f.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok || fd.Body == nil {
				continue
			}
			ast.Inspect(fd.Body, func(n ast.Node) bool {
				as, ok := n.(*ast.AssignStmt)
				if !ok {
					return true
				}
				for _, lhs := range as.Lhs {
					ix, ok := lhs.(*ast.IndexExpr)
					if !ok {
						continue
					}
					sel, ok := ix.X.(*ast.SelectorExpr)
					if !ok || sel.Sel.Name != "words" {
						continue
					}
					if inner, ok := sel.X.(*ast.SelectorExpr); !ok || inner.Sel.Name != "arena" {
						continue
					}
					found[fd.Name.Name] = true
					if !allowed[fd.Name.Name] {
						t.Errorf("%s: %s stores into the arena directly", name, fd.Name.Name)
					}
				}
				return true
			})
		}
	}
	for _, fn := range []string{"Assign", "AssignNoCycle"} {
		if !found[fn] {
			t.Errorf("expected %s to store reference slots", fn)
		}
	}
}

func TestEveryStatisticIsExported(t *testing.T) {
	_, files := parseMemory(t)
	root := repoRoot(t)
	fields := structFields(t, files, "Stats")
	if len(fields) == 0 {
		t.Fatal("Stats has no fields")
	}

	consumers := []string{
		filepath.Join(root, "pkg", "memory", "metrics.go"),
		filepath.Join(root, "pkg", "script", "forms.go"),
	}
	for _, path := range consumers {
		content := readFile(t, path)
		var missing []string
		for _, f := range fields {
			if !strings.Contains(content, "s."+f+" ") && !strings.Contains(content, "s."+f+"}") {
				missing = append(missing, f)
			}
		}
		sort.Strings(missing)
		if len(missing) > 0 {
			t.Errorf("%s does not export %v", filepath.Base(path), missing)
		}
	}
}

func TestEveryPhaseIsRaised(t *testing.T) {
	_, files := parseMemory(t)
	root := repoRoot(t)
	var phases []string
	for _, decl := range files["fatal.go"].Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.CONST {
			continue
		}
		for _, spec := range gd.Specs {
			for _, n := range spec.(*ast.ValueSpec).Names {
				if strings.HasPrefix(n.Name, "Phase") {
					phases = append(phases, n.Name)
				}
			}
		}
	}
	if len(phases) != 5 {
		t.Fatalf("expected 5 phases, found %v", phases)
	}

	var others strings.Builder
	for name := range files {
		if name != "fatal.go" {
			others.WriteString(readFile(t, filepath.Join(root, "pkg", "memory", name)))
		}
	}
	for _, p := range phases {
		if !strings.Contains(others.String(), p) {
			t.Errorf("phase %s is never raised", p)
		}
	}
}
