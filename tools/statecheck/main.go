// Command statecheck enforces that tasks.status is assigned in exactly one
// place: the unexported updateTaskState function in internal/store. Run it
// from the module root before a release build; it exits non-zero and lists
// every offending assignment if it finds one.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// allowedFiles are the only source files permitted to assign task.Status.
// Both live in internal/store: state_writer.go holds the single core
// mutator, tx.go's Tx.UpdateTaskState is its in-transaction counterpart and
// delegates to the same core.
var allowedFiles = map[string]bool{
	"state_writer.go": true,
	"tx.go":           true,
}

type violation struct {
	pos token.Position
}

func main() {
	root := flag.String("root", ".", "module root to scan")
	flag.Parse()

	violations, err := checkDir(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, "statecheck:", err)
		os.Exit(2)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "statecheck: task status assigned outside the authorized writer:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v.pos)
		}
		os.Exit(1)
	}
}

// checkDir walks every .go file under root (skipping _test.go files and the
// module's vendor/ tree, if any) and collects every assignment to a
// "Status" field found outside allowedFiles.
func checkDir(root string) ([]violation, error) {
	var violations []violation
	fset := token.NewFileSet()

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "vendor" || info.Name() == "_examples" || strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		if allowedFiles[filepath.Base(path)] {
			return nil
		}

		file, err := parser.ParseFile(fset, path, nil, 0)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		ast.Inspect(file, func(n ast.Node) bool {
			assign, ok := n.(*ast.AssignStmt)
			if !ok {
				return true
			}
			for _, lhs := range assign.Lhs {
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok {
					continue
				}
				if sel.Sel.Name == "Status" {
					violations = append(violations, violation{pos: fset.Position(assign.Pos())})
				}
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}
