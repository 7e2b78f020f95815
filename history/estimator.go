package history

import (
	"fmt"

	"github.com/notargets/scalebridge/tensor"
)

// Estimator evaluates out[i] = stiff[i] : strain[i] for every point
type Estimator interface {
	Estimate(stiff []tensor.Sym4, strain []tensor.Sym2, out []tensor.Sym2) error
}

// ContractEstimator evaluates the contraction on the host with gonum
type ContractEstimator struct{}

func (ContractEstimator) Estimate(stiff []tensor.Sym4, strain []tensor.Sym2, out []tensor.Sym2) error {
	if len(stiff) != len(strain) || len(out) != len(strain) {
		return fmt.Errorf("estimate sizes: %d stiffness, %d strain, %d out",
			len(stiff), len(strain), len(out))
	}
	for i := range strain {
		out[i] = stiff[i].Contract(strain[i])
	}
	return nil
}
