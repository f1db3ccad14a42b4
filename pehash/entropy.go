package pehash

import (
	"bytes"
	"fmt"
	"math"

	"github.com/dsnet/compress/bzip2"
)

// tailSliceFromSectionEnd returns the image bytes from the end of the
// section's declared raw region to the end of the image. The original
// algorithm reads from VirtualAddress+SizeOfRawData rather than from the
// section's own file offset, so the slice usually covers other sections'
// data or nothing at all; the behavior is kept as-is because the historical
// digests depend on it. A region ending past the image yields an empty slice.
func tailSliceFromSectionEnd(image []byte, s Section) []byte {
	offset := uint64(s.VirtualAddress) + uint64(s.SizeOfRawData)
	if offset >= uint64(len(image)) {
		return nil
	}
	return image[offset:]
}

// entropyByte approximates how random the section's tail region is by how
// well it compresses: packed or encrypted data yields a ratio near 1, plain
// code or data something far smaller. The ratio is encoded as an IEEE-754
// single and collapsed to its top byte (sign bit plus the seven high
// exponent bits), deliberately discarding precision so that near-identical
// inputs cluster together. Zero-size sections always encode the constant 1.0.
func entropyByte(image []byte, s Section) (byte, error) {
	if s.SizeOfRawData == 0 {
		return floatTopByte(1.0), nil
	}
	n, err := compressedSize(tailSliceFromSectionEnd(image, s))
	if err != nil {
		return 0, err
	}
	ratio := float64(n) / float64(s.SizeOfRawData)
	return floatTopByte(ratio), nil
}

func floatTopByte(f float64) byte {
	return byte(math.Float32bits(float32(f)) >> 24)
}

// compressedSize returns the bzip2-compressed length of data. Level 9
// matches the defaults the reference implementation compressed with.
func compressedSize(data []byte) (int, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return 0, fmt.Errorf("bzip2 writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("bzip2 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("bzip2 close: %w", err)
	}
	return buf.Len(), nil
}
