package kernel

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ElementSize is the number of bytes each work item reads and writes: 16
// float32 values laid out as four float4 lanes.
const ElementSize = 64

// FloatsPerItem is the number of float32 values per work item.
const FloatsPerItem = ElementSize / 4

// EntryPoint is the kernel function name every workload program exports.
const EntryPoint = "gpuStress"

// PolyCoefficients are the c0..c4 arguments passed to poly-walker kernels.
var PolyCoefficients = [5]float32{
	4.43859953e+05, 1.13454169e+00, -4.50175916e-06, -1.43865531e-12, 4.42133541e-18,
}

// Variant describes one workload algorithm: the kernel macros it is built
// with, the range its input is drawn from and the constants used to turn a
// measured time into bandwidth and throughput estimates.
type Variant struct {
	Name string

	// PolyWalker kernels take the five PolyCoefficients as arguments 3..7.
	PolyWalker bool
	// Walks is the number of polynomial walks per inner iteration.
	Walks int

	// BandwidthBytes is the number of bytes moved per work item per dispatch.
	BandwidthBytes float64
	// FlopsPerIter is the number of floating point operations per work item
	// per inner iteration.
	FlopsPerIter float64
	// Scale multiplies both estimates.
	Scale float64

	// Input values are drawn uniformly from [InputMin, InputMin+InputSpan).
	InputMin  float32
	InputSpan float32

	// Macros are extra -D build options.
	Macros map[string]string
}

var (
	// Default is the multiply-add mixing workload.
	Default = Variant{
		Name:           "default",
		Walks:          1,
		BandwidthBytes: 6.0 * 64.0,
		FlopsPerIter:   3.0 * 96.0,
		Scale:          1.0,
		InputMin:       -0.02,
		InputSpan:      0.04,
	}

	// PolyWalker walks a quartic polynomial once per inner iteration.
	PolyWalker = Variant{
		Name:           "poly-walker",
		PolyWalker:     true,
		Walks:          1,
		BandwidthBytes: 2.0 * 64.0,
		FlopsPerIter:   128.0,
		Scale:          1.0,
		InputMin:       -1e6,
		InputSpan:      2e6,
		Macros:         map[string]string{"GPUSTRESS_POLYWALKER": "1", "WALKS": "1"},
	}

	// PolyWalkerTriple walks the polynomial three times per inner iteration.
	PolyWalkerTriple = Variant{
		Name:           "poly-walker-x3",
		PolyWalker:     true,
		Walks:          3,
		BandwidthBytes: 2.0 * 64.0,
		FlopsPerIter:   128.0,
		Scale:          3.0,
		InputMin:       -1e6,
		InputSpan:      2e6,
		Macros:         map[string]string{"GPUSTRESS_POLYWALKER": "1", "WALKS": "3"},
	}
)

// VariantForProgram picks the workload variant from the program file name.
func VariantForProgram(name string) Variant {
	switch filepath.Base(name) {
	case "gpustressPW.cl":
		return PolyWalker
	case "gpustressPW2.cl", "gpustressPW3.cl":
		return PolyWalkerTriple
	default:
		return Default
	}
}

// Input maps a uniform sample u in [0,1) to the variant's input range.
func (v Variant) Input(u float32) float32 {
	return u*v.InputSpan + v.InputMin
}

// Bandwidth estimates GB/s for dispatches work items processed in nanos.
func (v Variant) Bandwidth(dispatches, workSize, nanos float64) float64 {
	return v.BandwidthBytes * dispatches * workSize / nanos * v.Scale
}

// Throughput estimates GFLOPS for dispatches runs of kiters inner iterations
// over workSize items in nanos.
func (v Variant) Throughput(dispatches, kiters, workSize, nanos float64) float64 {
	return v.FlopsPerIter * dispatches * kiters * workSize / nanos * v.Scale
}

// BuildOptions renders the compiler options for a (groupSize, kiters) build.
func BuildOptions(groupSize, kiters int, v Variant) string {
	var sb strings.Builder
	sb.WriteString("-DGROUPSIZE=")
	sb.WriteString(strconv.Itoa(groupSize))
	sb.WriteString(" -DKITERSNUM=")
	sb.WriteString(strconv.Itoa(kiters))

	names := make([]string, 0, len(v.Macros))
	for name := range v.Macros {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(" -D")
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(v.Macros[name])
	}
	return sb.String()
}

// ParseDefines extracts -DNAME=VALUE pairs from build options. A bare
// -DNAME maps to "1".
func ParseDefines(options string) map[string]string {
	defines := make(map[string]string)
	for _, field := range strings.Fields(options) {
		if !strings.HasPrefix(field, "-D") || len(field) == 2 {
			continue
		}
		name, value, ok := strings.Cut(field[2:], "=")
		if !ok {
			value = "1"
		}
		defines[name] = value
	}
	return defines
}
