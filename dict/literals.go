// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dict

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"strconv"

	"github.com/golang/glog"
	"golang.org/x/tools/go/packages"
)

// Literals of these packages are noise for any target.
var nolits = map[string]bool{
	"math":    true,
	"os":      true,
	"unicode": true,
}

func basePackagesConfig() *packages.Config {
	cfg := new(packages.Config)
	cfg.Env = os.Environ()
	return cfg
}

// FromPackages loads the packages matching patterns and returns the string,
// char and integer literals found in them and their non-standard dependencies.
func FromPackages(patterns ...string) ([][]byte, error) {
	cfg := basePackagesConfig()
	cfg.Mode = packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedImports | packages.NeedDeps
	targets, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("could not load packages: %w", err)
	}
	if packages.PrintErrors(targets) > 0 {
		return nil, fmt.Errorf("loading of %v failed", patterns)
	}
	std, err := loadStd()
	if err != nil {
		return nil, err
	}

	lc := NewLiteralCollector()
	packages.Visit(targets, nil, func(pkg *packages.Package) {
		if std[pkg.PkgPath] || nolits[pkg.PkgPath] {
			return
		}
		for _, f := range pkg.Syntax {
			ast.Walk(lc, f)
		}
	})
	if lc.Err != nil {
		return nil, lc.Err
	}
	toks := lc.Tokens()
	glog.V(1).Infof("collected %v literals from %v", len(toks), patterns)
	return toks, nil
}

// loadStd finds the set of standard library package paths.
func loadStd() (map[string]bool, error) {
	cfg := basePackagesConfig()
	cfg.Mode = packages.NeedName
	stdpkgs, err := packages.Load(cfg, "std")
	if err != nil {
		return nil, fmt.Errorf("could not load standard library: %w", err)
	}
	std := make(map[string]bool, len(stdpkgs))
	for _, p := range stdpkgs {
		std[p.PkgPath] = true
	}
	return std, nil
}

// LiteralCollector is an ast.Visitor gathering literals that are likely
// to be compared against input bytes.
type LiteralCollector struct {
	lits map[string]struct{}
	// Err is the first literal that could not be decoded.
	Err error
}

func NewLiteralCollector() *LiteralCollector {
	return &LiteralCollector{lits: make(map[string]struct{})}
}

func (lc *LiteralCollector) Visit(n ast.Node) (w ast.Visitor) {
	switch nn := n.(type) {
	default:
		return lc // recurse
	case *ast.ImportSpec:
		return nil
	case *ast.Field:
		return nil // ignore field tags
	case *ast.CallExpr:
		switch fn := nn.Fun.(type) {
		case *ast.Ident:
			if fn.Name == "panic" {
				return nil
			}
		case *ast.SelectorExpr:
			if id, ok := fn.X.(*ast.Ident); ok && (id.Name == "fmt" || id.Name == "errors" || id.Name == "glog") {
				return nil
			}
		}
		return lc
	case *ast.BasicLit:
		lc.add(nn)
		return nil
	}
}

func (lc *LiteralCollector) fail(err error) {
	if lc.Err == nil {
		lc.Err = err
	}
}

func (lc *LiteralCollector) add(lit *ast.BasicLit) {
	switch lit.Kind {
	case token.CHAR:
		v, _, _, err := strconv.UnquoteChar(lit.Value[1:len(lit.Value)-1], '\'')
		if err != nil {
			lc.fail(fmt.Errorf("failed to parse char literal %v: %w", lit.Value, err))
			return
		}
		lc.lits[string(v)] = struct{}{}
	case token.STRING:
		v, err := strconv.Unquote(lit.Value)
		if err != nil {
			lc.fail(fmt.Errorf("failed to parse string literal %v: %w", lit.Value, err))
			return
		}
		if v != "" {
			lc.lits[v] = struct{}{}
		}
	case token.INT:
		v, err := strconv.ParseInt(lit.Value, 0, 64)
		if err != nil {
			u, err := strconv.ParseUint(lit.Value, 0, 64)
			if err != nil {
				lc.fail(fmt.Errorf("failed to parse int literal %v: %w", lit.Value, err))
				return
			}
			v = int64(u)
		}
		lc.lits[string(intBytes(v))] = struct{}{}
	}
}

// intBytes encodes v little-endian in the narrowest of 1, 2, 4 or 8 bytes.
func intBytes(v int64) []byte {
	var val []byte
	if v >= -(1<<7) && v < 1<<8 {
		val = append(val, byte(v))
	} else if v >= -(1<<15) && v < 1<<16 {
		val = append(val, byte(v), byte(v>>8))
	} else if v >= -(1<<31) && v < 1<<32 {
		val = append(val, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	} else {
		val = append(val, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
	}
	return val
}

// Tokens returns the collected literals in sorted order.
func (lc *LiteralCollector) Tokens() [][]byte {
	toks := make([][]byte, 0, len(lc.lits))
	for lit := range lc.lits {
		toks = append(toks, []byte(lit))
	}
	return Dedup(toks)
}
