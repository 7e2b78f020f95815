package kernels

import (
	"fmt"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/tensor"
)

// blockSize is the @inner width of the estimate kernel
const blockSize = 64

const estimateSource = `
@kernel void stressEstimate(const double *C, const double *E, double *S) {
	for (int b = 0; b < (NPTS + BLOCK - 1) / BLOCK; ++b; @outer) {
		for (int t = 0; t < BLOCK; ++t; @inner) {
			const int p = b * BLOCK + t;
			if (p < NPTS) {
				for (int a = 0; a < 6; ++a) {
					double s = 0.0;
					for (int k = 0; k < 6; ++k) {
						s += C[36 * p + 6 * a + k] * E[6 * p + k];
					}
					S[6 * p + a] = s;
				}
			}
		}
	}
}
`

// OCCAEstimator evaluates stiffness : strain for all local points in one
// device kernel launch. The kernel and buffers are rebuilt when the point
// count changes, which in a run happens once.
type OCCAEstimator struct {
	Device *gocca.OCCADevice

	n      int
	kernel *gocca.OCCAKernel
	cMem   *gocca.OCCAMemory
	eMem   *gocca.OCCAMemory
	sMem   *gocca.OCCAMemory

	// host staging
	c, e, s []float64
}

var _ history.Estimator = (*OCCAEstimator)(nil)

func NewOCCAEstimator(device *gocca.OCCADevice) *OCCAEstimator {
	return &OCCAEstimator{Device: device}
}

func (oe *OCCAEstimator) preamble(n int) string {
	return fmt.Sprintf("#define NPTS %d\n#define BLOCK %d\n", n, blockSize)
}

func (oe *OCCAEstimator) build(n int) error {
	oe.Free()

	var (
		kernel *gocca.OCCAKernel
		err    error
	)
	src := oe.preamble(n) + estimateSource
	if oe.Device.Mode() == "OpenMP" {
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = oe.Device.BuildKernelFromString(src, "stressEstimate", props)
	} else {
		kernel, err = oe.Device.BuildKernelFromString(src, "stressEstimate", nil)
	}
	if err != nil {
		return fmt.Errorf("failed to build kernel stressEstimate: %w", err)
	}
	if kernel == nil {
		return fmt.Errorf("kernel build returned nil for stressEstimate")
	}

	oe.n = n
	oe.kernel = kernel
	oe.c = make([]float64, 36*n)
	oe.e = make([]float64, tensor.NComp*n)
	oe.s = make([]float64, tensor.NComp*n)
	oe.cMem = oe.Device.Malloc(int64(len(oe.c)*8), nil, nil)
	oe.eMem = oe.Device.Malloc(int64(len(oe.e)*8), nil, nil)
	oe.sMem = oe.Device.Malloc(int64(len(oe.s)*8), nil, nil)
	return nil
}

func (oe *OCCAEstimator) Estimate(stiff []tensor.Sym4, strain []tensor.Sym2, out []tensor.Sym2) error {
	n := len(strain)
	if len(stiff) != n || len(out) != n {
		return fmt.Errorf("estimate sizes: %d stiffness, %d strain, %d out", len(stiff), n, len(out))
	}
	if n == 0 {
		return nil
	}
	if n != oe.n || oe.kernel == nil {
		if err := oe.build(n); err != nil {
			return err
		}
	}

	for p := 0; p < n; p++ {
		copy(oe.c[36*p:], stiff[p][:])
		copy(oe.e[tensor.NComp*p:], strain[p].Voigt())
	}
	oe.cMem.CopyFrom(unsafe.Pointer(&oe.c[0]), int64(len(oe.c)*8))
	oe.eMem.CopyFrom(unsafe.Pointer(&oe.e[0]), int64(len(oe.e)*8))

	if err := oe.kernel.RunWithArgs(oe.cMem, oe.eMem, oe.sMem); err != nil {
		return fmt.Errorf("failed to run kernel stressEstimate: %w", err)
	}
	oe.Device.Finish()

	oe.sMem.CopyTo(unsafe.Pointer(&oe.s[0]), int64(len(oe.s)*8))
	for p := 0; p < n; p++ {
		copy(out[p][:], oe.s[tensor.NComp*p:tensor.NComp*(p+1)])
	}
	return nil
}

// Free releases the kernel and device buffers; the device is left open
func (oe *OCCAEstimator) Free() {
	if oe.kernel != nil {
		oe.kernel.Free()
		oe.kernel = nil
	}
	for _, m := range []*gocca.OCCAMemory{oe.cMem, oe.eMem, oe.sMem} {
		if m != nil {
			m.Free()
		}
	}
	oe.cMem, oe.eMem, oe.sMem = nil, nil, nil
	oe.n = 0
}
