package stress

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	mrand "math/rand/v2"

	"github.com/cwbudde/gpustress/internal/kernel"
)

// WorkSize is the number of work items dispatched per kernel launch.
func WorkSize(computeUnits uint32, groupSize, workFactor int) int {
	return int(computeUnits) * groupSize * workFactor
}

// BufferSize is the byte size of each device buffer for workSize items.
func BufferSize(workSize int) int {
	return workSize * kernel.ElementSize
}

// FillInitial fills buf with little-endian float32 values drawn from the
// variant's input range. A zero seed draws a fresh seed from the system.
func FillInitial(buf []byte, v kernel.Variant, seed uint64) {
	if seed == 0 {
		seed = freshSeed()
	}
	rng := mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for off := 0; off+4 <= len(buf); off += 4 {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v.Input(rng.Float32())))
	}
}

func freshSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return mrand.Uint64()
	}
	return binary.LittleEndian.Uint64(b[:])
}
