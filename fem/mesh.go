// Package fem is a small reference finite element collaborator: a
// structured hexahedral box mesh with trilinear elements, lumped mass
// assembly, a Jacobi preconditioned CG solver and strain evaluation.
package fem

import (
	"fmt"
)

const (
	Dim          = 3
	NodesPerCell = 8
	NQ           = 8 // 2×2×2 Gauss points per cell
)

// Mesh is a box of NX×NY×NZ equal hexahedra.
// Node (i, j, k) has index i + (NX+1)*(j + (NY+1)*k), cell (i, j, k) has
// index i + NX*(j + NY*k) and the dof of component c at node n is 3n + c.
type Mesh struct {
	NX, NY, NZ int
	Size       [Dim]float64 // Box extent
	Origin     [Dim]float64 // Minimum corner

	Nodes [][Dim]float64
	Cells [][NodesPerCell]int // Local node a = di + 2dj + 4dk
}

// NewBoxMesh builds the mesh of the box [origin, origin+size]
func NewBoxMesh(n [Dim]int, size, origin [Dim]float64) (*Mesh, error) {
	for d := 0; d < Dim; d++ {
		if n[d] < 1 {
			return nil, fmt.Errorf("invalid subdivision %v", n)
		}
		if size[d] <= 0 {
			return nil, fmt.Errorf("invalid box size %v", size)
		}
	}
	m := &Mesh{NX: n[0], NY: n[1], NZ: n[2], Size: size, Origin: origin}

	m.Nodes = make([][Dim]float64, (m.NX+1)*(m.NY+1)*(m.NZ+1))
	for k := 0; k <= m.NZ; k++ {
		for j := 0; j <= m.NY; j++ {
			for i := 0; i <= m.NX; i++ {
				m.Nodes[m.node(i, j, k)] = [Dim]float64{
					origin[0] + size[0]*float64(i)/float64(m.NX),
					origin[1] + size[1]*float64(j)/float64(m.NY),
					origin[2] + size[2]*float64(k)/float64(m.NZ),
				}
			}
		}
	}

	m.Cells = make([][NodesPerCell]int, m.NX*m.NY*m.NZ)
	for k := 0; k < m.NZ; k++ {
		for j := 0; j < m.NY; j++ {
			for i := 0; i < m.NX; i++ {
				var conn [NodesPerCell]int
				for a := 0; a < NodesPerCell; a++ {
					conn[a] = m.node(i+a%2, j+(a/2)%2, k+a/4)
				}
				m.Cells[i+m.NX*(j+m.NY*k)] = conn
			}
		}
	}
	return m, nil
}

func (m *Mesh) node(i, j, k int) int {
	return i + (m.NX+1)*(j+(m.NY+1)*k)
}

func (m *Mesh) NumCells() int { return len(m.Cells) }
func (m *Mesh) NumNodes() int { return len(m.Nodes) }
func (m *Mesh) NumDofs() int  { return Dim * len(m.Nodes) }

// Dof returns the global dof of component c at node n
func Dof(n, c int) int { return Dim*n + c }

// CellDofs returns the 24 dofs of cell c in local order (node major)
func (m *Mesh) CellDofs(c int) (dofs [Dim * NodesPerCell]int) {
	for a, n := range m.Cells[c] {
		for d := 0; d < Dim; d++ {
			dofs[Dim*a+d] = Dof(n, d)
		}
	}
	return
}

func (m *Mesh) String() string {
	return fmt.Sprintf("box %dx%dx%d cells, %d nodes, %d dofs",
		m.NX, m.NY, m.NZ, m.NumNodes(), m.NumDofs())
}
