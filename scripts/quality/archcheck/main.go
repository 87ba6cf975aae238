package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "ex-kagami/"

// importRule forbids packages under importer from importing packages under
// any of forbidden. Paths are relative to the module root.
type importRule struct {
	importer  string
	forbidden []string
	reason    string
}

var importRules = []importRule{
	{
		importer:  "pkg/kagami",
		forbidden: []string{"internal/"},
		reason:    "pkg/kagami must not import internal/*",
	},
	{
		importer:  "internal/kernel",
		forbidden: []string{"internal/source", "internal/transport", "internal/diag", "internal/pipeline"},
		reason:    "internal/kernel must not depend on its sources or consumers",
	},
	{
		importer:  "internal/pipeline",
		forbidden: []string{"internal/transport", "internal/source", "internal/diag"},
		reason:    "internal/pipeline must reach transports through its Transport interface",
	},
	{
		importer:  "internal/codec",
		forbidden: []string{"internal/kernel", "internal/source", "internal/diag"},
		reason:    "internal/codec must stay a leaf over pkg/kagami",
	},
	{
		importer:  "internal/transport/",
		forbidden: []string{"internal/kernel", "internal/source", "internal/diag"},
		reason:    "internal/transport/* must not depend on the hub",
	},
}

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

func violationReason(importer, imported string) string {
	if !strings.HasPrefix(importer, modulePrefix) || !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}
	importer = strings.TrimPrefix(importer, modulePrefix)
	imported = strings.TrimPrefix(imported, modulePrefix)
	// go list -test reports test variants as "path [path.test]".
	importer, _, _ = strings.Cut(importer, " ")

	for _, rule := range importRules {
		if !strings.HasPrefix(importer, rule.importer) {
			continue
		}
		for _, forbidden := range rule.forbidden {
			if strings.HasPrefix(imported, forbidden) {
				return rule.reason
			}
		}
	}

	return ""
}
