package bridge

import (
	"encoding/binary"
	"math"

	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/tensor"
)

// Wire record sizes, little-endian
const (
	RequestSize = 8 + 4 + 4 + 2*tensor.NComp*8 // id, material, pad, strain, estimate
	ResultSize  = 8 + tensor.NComp*8           // id, stress
)

func putSym2(b []byte, s tensor.Sym2) {
	for i, v := range s {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
}

func getSym2(b []byte) (s tensor.Sym2) {
	for i := range s {
		s[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return
}

// RequestCodec is the fixed-width wire encoding of an UpdateRequest
var RequestCodec = comm.Codec[history.UpdateRequest]{
	Size: RequestSize,
	Put: func(b []byte, r history.UpdateRequest) {
		binary.LittleEndian.PutUint64(b[0:], r.ID)
		binary.LittleEndian.PutUint32(b[8:], uint32(r.MaterialID))
		binary.LittleEndian.PutUint32(b[12:], 0)
		putSym2(b[16:], r.UpdateStrain)
		putSym2(b[16+8*tensor.NComp:], r.StressEstimate)
	},
	Get: func(b []byte) history.UpdateRequest {
		return history.UpdateRequest{
			ID:             binary.LittleEndian.Uint64(b[0:]),
			MaterialID:     int32(binary.LittleEndian.Uint32(b[8:])),
			UpdateStrain:   getSym2(b[16:]),
			StressEstimate: getSym2(b[16+8*tensor.NComp:]),
		}
	},
}

// ResultCodec is the fixed-width wire encoding of an UpdateResult
var ResultCodec = comm.Codec[history.UpdateResult]{
	Size: ResultSize,
	Put: func(b []byte, r history.UpdateResult) {
		binary.LittleEndian.PutUint64(b[0:], r.ID)
		putSym2(b[8:], r.Stress)
	},
	Get: func(b []byte) history.UpdateResult {
		return history.UpdateResult{
			ID:     binary.LittleEndian.Uint64(b[0:]),
			Stress: getSym2(b[8:]),
		}
	},
}
