package pehash

// The pehash bit layout was fixed by the original Team Cymru implementation,
// whose bit library packed integers from their hexadecimal digits. Two quirks
// follow from that and must be kept for output compatibility:
//
//   - packMinimal drops leading zero nibbles and right-pads the result with
//     zero bits to the next byte boundary, so 0x014c packs as 14 c0 rather
//     than 01 4c;
//   - the stack/heap commit sizes and the raw section size are instead
//     left-zero-padded to a full 32 bits before slicing.
//
// Each helper below implements exactly one of those rules so they stay
// independently testable.

// packMinimal returns the big-endian packing of v built from its hex digits
// without leading zeros, right-padded with zero bits to a whole byte.
// packMinimal(0) is a single zero byte.
func packMinimal(v uint32) []byte {
	digits := 1
	for x := v; x >= 0x10; x >>= 4 {
		digits++
	}
	packed := uint64(v)
	if digits%2 == 1 {
		packed <<= 4
	}
	out := make([]byte, (digits+1)/2)
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = byte(packed)
		packed >>= 8
	}
	return out
}

// foldHalves16 XORs the high byte of a 16-bit field with its low byte after
// minimal packing. Values that pack into a single byte fold against zero.
func foldHalves16(v uint16) byte {
	p := packMinimal(uint32(v))
	if len(p) == 1 {
		return p[0]
	}
	return p[0] ^ p[1]
}

// foldCommit32 folds a stack or heap commit size: the value is left-zero-
// padded to 32 bits and the three low-order bytes (bits 8-15, 16-23 and
// 24-31) are XORed together. The top byte never contributes.
func foldCommit32(v uint32) byte {
	return byte(v>>16) ^ byte(v>>8) ^ byte(v)
}

// rawSizeLow24 truncates a section's raw size to its low 24 bits: the value
// is left-zero-padded to 32 bits and the top byte discarded.
func rawSizeLow24(v uint32) [3]byte {
	return [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// foldSectionFlags XORs bits 16-23 of the minimally packed section
// characteristics with bits 24-31. Only the two low-order bytes of a fully
// packed value are consulted; byte ranges the packing does not reach fold
// against zero.
func foldSectionFlags(v uint32) byte {
	p := packMinimal(v)
	var hi, lo byte
	if len(p) > 2 {
		hi = p[2]
	}
	if len(p) > 3 {
		lo = p[3]
	}
	return hi ^ lo
}
