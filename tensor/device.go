package tensor

import "github.com/klauspost/cpuid/v2"

var (
	defaultDevice = CPU
	accelerated   = dotScalar
)

func init() {
	// Check if the CPU supports wide SIMD; the unrolled kernel only pays off there
	if cpuid.CPU.Supports(cpuid.AVX512F) || cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		defaultDevice = Accelerated
		accelerated = dotUnrolled
	}
}

// DefaultDevice returns the fastest compute device available on this machine.
func DefaultDevice() DeviceType {
	return defaultDevice
}

// IsAccelerated reports whether the host supports the accelerated device.
func IsAccelerated() bool {
	return defaultDevice == Accelerated
}

// Dot returns the inner product of a and b using the kernel for the given device.
func Dot(device DeviceType, a, b []float32) float32 {
	if device == Accelerated {
		return accelerated(a, b)
	}
	return dotScalar(a, b)
}

func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func dotUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for i := n; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}
