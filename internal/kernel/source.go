package kernel

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultProgram is the program used when none is requested.
const DefaultProgram = "gpustressKernel2.cl"

//go:embed kernels/*.cl
var builtinFS embed.FS

// builtinFiles maps well-known program names to embedded sources.
var builtinFiles = map[string]string{
	"gpustressKernel2.cl": "kernels/gpustressKernel2.cl",
	"gpustressPW.cl":      "kernels/gpustressPW.cl",
	"gpustressPW2.cl":     "kernels/gpustressPW2.cl",
	"gpustressPW3.cl":     "kernels/gpustressPW2.cl",
}

// Source is a loaded workload program.
type Source struct {
	// Name is the program path as requested.
	Name string
	Code []byte
	// Builtin is set when Code came from the embedded copy.
	Builtin bool
	Variant Variant
}

// LoadSource reads the program at path. Files on disk take precedence; a
// well-known program name that is not on disk resolves to its embedded copy.
func LoadSource(path string) (*Source, error) {
	if path == "" {
		path = DefaultProgram
	}

	code, err := os.ReadFile(path)
	if err == nil {
		if len(code) == 0 {
			return nil, fmt.Errorf("kernel source %s is empty", path)
		}
		return &Source{Name: path, Code: code, Variant: VariantForProgram(path)}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read kernel source: %w", err)
	}

	embedded, ok := builtinFiles[filepath.Base(path)]
	if !ok || filepath.Base(path) != path {
		return nil, fmt.Errorf("failed to open kernel source: %w", err)
	}
	code, err = builtinFS.ReadFile(embedded)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded kernel source: %w", err)
	}
	return &Source{Name: path, Code: code, Builtin: true, Variant: VariantForProgram(path)}, nil
}

// BuiltinPrograms lists the program names available without files on disk.
func BuiltinPrograms() []string {
	return []string{"gpustressKernel2.cl", "gpustressPW.cl", "gpustressPW2.cl", "gpustressPW3.cl"}
}
