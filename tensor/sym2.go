package tensor

import (
	"math"
)

// Component indices of a Sym2 in raw storage order
const (
	XX = iota
	YY
	ZZ
	XY
	XZ
	YZ
)

// NComp is the number of independent components of a symmetric 3×3 tensor
const NComp = 6

// Sym2 is a symmetric rank-2 tensor in three dimensions.
// Storage order is xx, yy, zz, xy, xz, yz, which is also the order used on
// the scale-bridging wire.
type Sym2 [NComp]float64

// rawIndex maps (i, j) to the storage position
var rawIndex = [3][3]int{
	{XX, XY, XZ},
	{XY, YY, YZ},
	{XZ, YZ, ZZ},
}

// upperOrder lists storage positions in row-wise upper triangle order
// (00, 01, 02, 11, 12, 22), the order used by history files.
var upperOrder = [NComp]int{XX, XY, XZ, YY, YZ, ZZ}

// At returns component (i, j)
func (s Sym2) At(i, j int) float64 {
	return s[rawIndex[i][j]]
}

// Set assigns component (i, j) and its transpose
func (s *Sym2) Set(i, j int, v float64) {
	s[rawIndex[i][j]] = v
}

func (s Sym2) Add(o Sym2) (r Sym2) {
	for i := range s {
		r[i] = s[i] + o[i]
	}
	return
}

func (s Sym2) Sub(o Sym2) (r Sym2) {
	for i := range s {
		r[i] = s[i] - o[i]
	}
	return
}

func (s Sym2) Scale(a float64) (r Sym2) {
	for i := range s {
		r[i] = a * s[i]
	}
	return
}

// IsZero reports whether every component is exactly zero
func (s Sym2) IsZero() bool {
	return s == Sym2{}
}

// Norm returns the Frobenius norm, counting off-diagonal terms twice
func (s Sym2) Norm() float64 {
	sum := s[XX]*s[XX] + s[YY]*s[YY] + s[ZZ]*s[ZZ] +
		2*(s[XY]*s[XY]+s[XZ]*s[XZ]+s[YZ]*s[YZ])
	return math.Sqrt(sum)
}

// Voigt returns the engineering-strain vector (xx, yy, zz, 2xy, 2xz, 2yz)
// used when contracting with a Sym4.
func (s Sym2) Voigt() []float64 {
	return []float64{s[XX], s[YY], s[ZZ], 2 * s[XY], 2 * s[XZ], 2 * s[YZ]}
}

// Upper returns the components in row-wise upper triangle order
func (s Sym2) Upper() (u [NComp]float64) {
	for k, idx := range upperOrder {
		u[k] = s[idx]
	}
	return
}

// FromUpper is the inverse of Upper
func FromUpper(u [NComp]float64) (s Sym2) {
	for k, idx := range upperOrder {
		s[idx] = u[k]
	}
	return
}

// Symmetrize returns the symmetric part of a 3×3 gradient, i.e. the small
// strain tensor when g is a displacement gradient.
func Symmetrize(g [3][3]float64) (s Sym2) {
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			s.Set(i, j, 0.5*(g[i][j]+g[j][i]))
		}
	}
	return
}
