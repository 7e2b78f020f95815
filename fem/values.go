package fem

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/scalebridge/tensor"
)

// refNode returns the reference coordinates (±1) of local node a
func refNode(a int) [Dim]float64 {
	return [Dim]float64{float64(2*(a%2) - 1), float64(2*((a/2)%2) - 1), float64(2*(a/4) - 1)}
}

// gaussPoint returns the reference coordinates of quadrature point q, in
// the same lexicographic order as the nodes
func gaussPoint(q int) [Dim]float64 {
	g := 1 / math.Sqrt(3)
	r := refNode(q)
	return [Dim]float64{g * r[0], g * r[1], g * r[2]}
}

// shape returns N_a and dN_a/dξ at reference point xi
func shape(xi [Dim]float64) (n [NodesPerCell]float64, dn [NodesPerCell][Dim]float64) {
	for a := 0; a < NodesPerCell; a++ {
		r := refNode(a)
		f := [Dim]float64{
			0.5 * (1 + r[0]*xi[0]),
			0.5 * (1 + r[1]*xi[1]),
			0.5 * (1 + r[2]*xi[2]),
		}
		n[a] = f[0] * f[1] * f[2]
		dn[a][0] = 0.5 * r[0] * f[1] * f[2]
		dn[a][1] = 0.5 * r[1] * f[0] * f[2]
		dn[a][2] = 0.5 * r[2] * f[0] * f[1]
	}
	return
}

// CellValues holds shape values, physical gradients and JxW at the
// quadrature points of one cell
type CellValues struct {
	N    [NQ][NodesPerCell]float64
	Grad [NQ][NodesPerCell][Dim]float64
	JxW  [NQ]float64
}

// Values computes the CellValues of cell c
func (m *Mesh) Values(c int) (cv CellValues, err error) {
	conn := m.Cells[c]
	for q := 0; q < NQ; q++ {
		n, dn := shape(gaussPoint(q))
		cv.N[q] = n

		jac := mat.NewDense(Dim, Dim, nil)
		for a := 0; a < NodesPerCell; a++ {
			x := m.Nodes[conn[a]]
			for i := 0; i < Dim; i++ {
				for j := 0; j < Dim; j++ {
					jac.Set(i, j, jac.At(i, j)+x[i]*dn[a][j])
				}
			}
		}
		det := mat.Det(jac)
		if det <= 0 {
			return cv, fmt.Errorf("cell %d point %d: jacobian determinant %g", c, q, det)
		}
		var inv mat.Dense
		if err := inv.Inverse(jac); err != nil {
			return cv, fmt.Errorf("cell %d point %d: %w", c, q, err)
		}
		// dN/dx_i = Σ_j (J^-1)_ji dN/dξ_j
		for a := 0; a < NodesPerCell; a++ {
			for i := 0; i < Dim; i++ {
				s := 0.
				for j := 0; j < Dim; j++ {
					s += inv.At(j, i) * dn[a][j]
				}
				cv.Grad[q][a][i] = s
			}
		}
		cv.JxW[q] = det // unit Gauss weights
	}
	return cv, nil
}

// StrainFromGrad returns sym(Σ_a u_a ⊗ ∇N_a) at point q for the nodal
// vectors u of the cell
func (cv *CellValues) StrainFromGrad(q int, u *[NodesPerCell][Dim]float64) tensor.Sym2 {
	var g [Dim][Dim]float64
	for a := 0; a < NodesPerCell; a++ {
		for i := 0; i < Dim; i++ {
			for j := 0; j < Dim; j++ {
				g[i][j] += u[a][i] * cv.Grad[q][a][j]
			}
		}
	}
	return tensor.Symmetrize(g)
}
