// Command sqllint checks the inline SQL constants: every query carries a
// unique "--sql <uuid>" marker, and its placeholders match the store it is
// written for ("?" for QLite* constants, "$n" for Postgres).
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlKeyword      = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	markerLine      = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
	dollarParam     = regexp.MustCompile(`\$[0-9]+`)
	questionParam   = regexp.MustCompile(`\?`)
	sqliteConstName = "QLite"
)

type violation struct {
	file    string
	line    int
	name    string
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

type query struct {
	file   string
	line   int
	name   string
	text   string
	marker string
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"."}
	}

	var queries []query
	for _, target := range targets {
		found, err := collect(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
			os.Exit(1)
		}
		queries = append(queries, found...)
	}

	violations := lint(queries)
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "sqllint: inline SQL problems")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v)
		}
		os.Exit(1)
	}
}

func collect(target string) ([]query, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if filepath.Ext(target) != ".go" {
			return nil, nil
		}
		return parseFile(target, nil)
	}
	var out []query
	err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != target && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		qs, err := parseFile(path, nil)
		if err != nil {
			return err
		}
		out = append(out, qs...)
		return nil
	})
	return out, err
}

// parseFile extracts the string constants that look like SQL. src may be nil
// to read path from disk.
func parseFile(path string, src any) ([]query, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	var out []query
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range vs.Values {
			bl, ok := value.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			raw, err := unquote(bl.Value)
			if err != nil || !sqlKeyword.MatchString(raw) {
				continue
			}
			name := ""
			if i < len(vs.Names) && vs.Names[i] != nil {
				name = vs.Names[i].Name
			}
			q := query{file: path, line: fset.Position(bl.Pos()).Line, name: name, text: raw}
			if m := markerLine.FindStringSubmatch(firstLine(raw)); m != nil {
				q.marker = m[1]
			}
			out = append(out, q)
		}
		return true
	})
	return out, nil
}

func lint(queries []query) []violation {
	var out []violation
	seen := map[string]query{}
	for _, q := range queries {
		report := func(msg string) {
			out = append(out, violation{file: q.file, line: q.line, name: q.name, message: msg})
		}
		if q.marker == "" {
			report("missing or invalid --sql <uuid> marker")
		} else if prev, dup := seen[q.marker]; dup {
			report(fmt.Sprintf("marker %s already used by %s", q.marker, prev.name))
		} else {
			seen[q.marker] = q
		}

		body := stripMarker(q.text)
		lite := strings.HasPrefix(q.name, sqliteConstName)
		switch {
		case lite && dollarParam.MatchString(body):
			report("sqlite query uses $n placeholders")
		case !lite && questionParam.MatchString(body):
			report("postgres query uses ? placeholders")
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].file != out[j].file {
			return out[i].file < out[j].file
		}
		return out[i].line < out[j].line
	})
	return out
}

func stripMarker(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 && strings.HasPrefix(s, "--sql") {
		return s[idx+1:]
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}
