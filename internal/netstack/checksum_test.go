package netstack

import "testing"

// TestChecksumFinalizeKnownVector verifies RFC 1071 §3's worked example:
// summing 0x0001, 0xF203, 0xF4F5, 0xF6F7 must finalize to 0x220D.
func TestChecksumFinalizeKnownVector(t *testing.T) {
	t.Parallel()

	data := []byte{0x00, 0x01, 0xF2, 0x03, 0xF4, 0xF5, 0xF6, 0xF7}
	sum := checksumSum(0, data)
	got := checksumFinalize(sum)
	want := uint16(0x220D)
	if got != want {
		t.Fatalf("checksumFinalize = %#04x, want %#04x", got, want)
	}
}

func TestChecksumSumOddByteIsPaddedHigh(t *testing.T) {
	t.Parallel()

	full := checksumSum(0, []byte{0xAB, 0x00})
	odd := checksumSum(0, []byte{0xAB})
	if full != odd {
		t.Fatalf("odd trailing byte summed as %#04x, want %#04x (high-byte padded)", odd, full)
	}
}

func TestChecksumSumIsOrderIndependentAcrossCalls(t *testing.T) {
	t.Parallel()

	// The split falls on a 16-bit word boundary: an odd-length first
	// chunk would have its trailing byte padded high, which changes the sum.
	whole := checksumSum(0, []byte{1, 2, 3, 4, 5, 6})
	split := checksumSum(checksumSum(0, []byte{1, 2, 3, 4}), []byte{5, 6})
	if whole != split {
		t.Fatalf("splitting the input changed the running sum: %#04x vs %#04x", whole, split)
	}
}

func TestChecksumFinalizeNonZeroMapsZeroToAllOnes(t *testing.T) {
	t.Parallel()

	// A sum whose one's complement is exactly zero must be reported as
	// 0xFFFF: an all-zero checksum field means "no checksum" on the wire.
	sum := checksumSum(0, []byte{0xFF, 0xFF})
	if got := checksumFinalizeNonZero(sum); got != 0xFFFF {
		t.Fatalf("checksumFinalizeNonZero(%#04x) = %#04x, want 0xffff", sum, got)
	}
}

func TestChecksumFinalizeCollapsesCarry(t *testing.T) {
	t.Parallel()

	// Two words that overflow 16 bits on summing must have the carry
	// folded back in before the complement is taken.
	sum := checksumSum(0, []byte{0xFF, 0xFF, 0x00, 0x01})
	got := checksumFinalize(sum)
	want := uint16(0xFFFE)
	if got != want {
		t.Fatalf("checksumFinalize = %#04x, want %#04x", got, want)
	}
}
