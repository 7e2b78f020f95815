package tensor

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Sym4 is a rank-4 tensor with minor and major symmetries, stored as a 6×6
// Voigt matrix in row-major order. Rows and columns follow the Sym2 storage
// order; columns act on engineering shear strains so that Contract equals the
// full double contraction C_ijkl ε_kl.
type Sym4 [NComp * NComp]float64

// At returns Voigt entry (a, b)
func (c Sym4) At(a, b int) float64 {
	return c[a*NComp+b]
}

// Set assigns Voigt entry (a, b)
func (c *Sym4) Set(a, b int, v float64) {
	c[a*NComp+b] = v
}

// Dense returns a copy of the Voigt matrix
func (c Sym4) Dense() *mat.Dense {
	data := make([]float64, len(c))
	copy(data, c[:])
	return mat.NewDense(NComp, NComp, data)
}

// Contract returns C : e
func (c Sym4) Contract(e Sym2) (s Sym2) {
	var out mat.VecDense
	out.MulVec(c.Dense(), mat.NewVecDense(NComp, e.Voigt()))
	for i := 0; i < NComp; i++ {
		s[i] = out.AtVec(i)
	}
	return
}

// IsSymmetric reports whether the Voigt matrix has major symmetry within tol
func (c Sym4) IsSymmetric(tol float64) bool {
	return mat.EqualApprox(c.Dense(), c.Dense().T(), tol)
}

// Isotropic builds the stiffness of an isotropic linear elastic solid from
// the Lamé parameters.
func Isotropic(lambda, mu float64) (c Sym4) {
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			c.Set(a, b, lambda)
		}
		c.Set(a, a, lambda+2*mu)
		c.Set(a+3, a+3, mu)
	}
	return
}

func (c Sym4) String() string {
	var sb strings.Builder
	for a := 0; a < NComp; a++ {
		for b := 0; b < NComp; b++ {
			if b > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(fmt.Sprintf("%+.4e", c.At(a, b)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
