package kernel

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Params are the compile-time and launch-time inputs of one work item
// evaluation in Go, for backends that execute workloads on the host.
type Params struct {
	KItersNum  int
	PolyWalker bool
	Walks      int
	Poly       [5]float32
}

// ParamsFromDefines builds Params from parsed build options.
func ParamsFromDefines(defines map[string]string) Params {
	p := Params{
		KItersNum: atoiDefault(defines["KITERSNUM"], 1),
		Walks:     atoiDefault(defines["WALKS"], 1),
	}
	p.PolyWalker = defines["GPUSTRESS_POLYWALKER"] == "1"
	return p
}

// RunItem evaluates the gpuStress kernel for the work item at index gid,
// reading from src and writing to dst. Both slices hold little-endian
// float32 values.
func RunItem(p Params, gid int, src, dst []byte) {
	var v [FloatsPerItem]float32
	base := gid * ElementSize
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[base+i*4:]))
	}

	if p.PolyWalker {
		walkItem(&v, p)
	} else {
		mixItem(&v, p.KItersNum)
	}

	for i := range v {
		binary.LittleEndian.PutUint32(dst[base+i*4:], math.Float32bits(v[i]))
	}
}

// mixItem mirrors gpustressKernel2.cl: lanes a,b,c,d are v[0:4], v[4:8],
// v[8:12] and v[12:16].
func mixItem(v *[FloatsPerItem]float32, kiters int) {
	for k := 0; k < kiters; k++ {
		for j := 0; j < 4; j++ {
			v[j] = float32(v[j]*0.5) + float32(v[4+j]*0.25) + 0.001
		}
		for j := 0; j < 4; j++ {
			v[4+j] = float32(v[4+j]*0.5) + float32(v[8+j]*0.25) - 0.001
		}
		for j := 0; j < 4; j++ {
			v[8+j] = float32(v[8+j]*0.5) + float32(v[12+j]*0.25) + 0.002
		}
		for j := 0; j < 4; j++ {
			v[12+j] = float32(v[12+j]*0.5) + float32(v[j]*0.25) - 0.002
		}
	}
}

func walkItem(v *[FloatsPerItem]float32, p Params) {
	c := p.Poly
	walks := p.Walks
	if walks < 1 {
		walks = 1
	}
	for k := 0; k < p.KItersNum; k++ {
		for w := 0; w < walks; w++ {
			for i := range v {
				x := v[i]
				y := float32(c[4]*x) + c[3]
				y = float32(y*x) + c[2]
				y = float32(y*x) + c[1]
				v[i] = float32(y*x) + c[0]
			}
		}
	}
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
