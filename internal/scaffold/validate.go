package scaffold

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// allowedImports is the stdlib allowlist for capability sources.
// Anything outside this set is rejected before registry mutation.
var allowedImports = map[string]bool{
	"strings":       true,
	"strconv":       true,
	"fmt":           true,
	"math":          true,
	"math/rand":     true,
	"time":          true,
	"sort":          true,
	"regexp":        true,
	"unicode":       true,
	"bytes":         true,
	"errors":        true,
	"encoding/json": true,

	// EXPLICITLY BLOCKED (unsafe packages):
	// "os", "os/exec" - filesystem and process access
	// "net", "net/http" - network access
	// "syscall", "unsafe", "plugin", "reflect" - escape hatches
	// "io", "path/filepath" - filesystem plumbing
}

// ValidationResult carries the details of one validation pass.
type ValidationResult struct {
	Valid      bool
	ParseError error
	Errors     []string
	Functions  []string
	Imports    []string
}

// ValidateSource checks that source parses, defines a top-level
// function literally named name with the capability contract
// signature, and imports only allowlisted packages. Bare sources
// (no package clause) are wrapped before parsing, matching what the
// executor evaluates.
func ValidateSource(name, source string) error {
	result := validateAST(name, wrapCode(source))
	if result.Valid {
		return nil
	}
	if result.ParseError != nil {
		return fmt.Errorf("%w: %v", ErrValidation, result.ParseError)
	}
	return fmt.Errorf("%w: %s", ErrValidation, result.Errors[0])
}

// validateAST performs the AST checks on already-wrapped source.
func validateAST(name, source string) *ValidationResult {
	result := &ValidationResult{Valid: true}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name+".go", source, parser.ParseComments)
	if err != nil {
		result.Valid = false
		result.ParseError = err
		return result
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		result.Imports = append(result.Imports, path)
		if !allowedImports[path] {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("import %q is not allowed", path))
		}
	}

	var target *ast.FuncDecl
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok {
			return true
		}
		result.Functions = append(result.Functions, fn.Name.Name)
		if fn.Name.Name == name && fn.Recv == nil {
			target = fn
		}
		return true
	})

	if target == nil {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("source must define a top-level function named %q", name))
		return result
	}

	if !hasContractSignature(target) {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("function %q must have signature func(args ...string) (string, error)", name))
	}

	return result
}

// hasContractSignature checks for func(args ...string) (string, error).
func hasContractSignature(fn *ast.FuncDecl) bool {
	params := fn.Type.Params
	if params == nil || len(params.List) != 1 {
		return false
	}
	ell, ok := params.List[0].Type.(*ast.Ellipsis)
	if !ok {
		return false
	}
	if ident, ok := ell.Elt.(*ast.Ident); !ok || ident.Name != "string" {
		return false
	}

	results := fn.Type.Results
	if results == nil || len(results.List) != 2 {
		return false
	}
	first, ok := results.List[0].Type.(*ast.Ident)
	if !ok || first.Name != "string" {
		return false
	}
	second, ok := results.List[1].Type.(*ast.Ident)
	if !ok || second.Name != "error" {
		return false
	}
	return true
}

// wrapCode wraps a bare source body in a package clause so it parses
// and evaluates standalone. Sources carrying their own package clause
// pass through unchanged.
func wrapCode(source string) string {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "package ") {
		return source
	}
	return "package capability\n\n" + source
}
