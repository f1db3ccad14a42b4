// Package pehash computes the Team Cymru PEhash, a clustering fingerprint
// for Portable Executable binaries. The hash folds a handful of structural
// header fields and a per-section compressibility estimate into a short bit
// string and reduces it with SHA-1, so that trivially recompiled or repacked
// variants of the same program land on the same digest while structurally
// different binaries do not. Collisions between similar inputs are the
// point, not a defect; this is not a cryptographic content hash.
package pehash

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

// ErrMalformedImage is returned when the supplied image cannot provide the
// fields the fingerprint needs. No partial digest is ever produced.
var ErrMalformedImage = errors.New("malformed PE image")

// Section carries the three section-table fields the fingerprint consumes,
// in the order they appear in the image's section table.
type Section struct {
	VirtualAddress  uint32
	SizeOfRawData   uint32
	Characteristics uint32
}

// Image is the parsed view of a PE binary the fingerprint is computed over.
// Raw holds the full on-disk layout (headers plus all sections as laid out
// in the file); the entropy step slices into it.
type Image struct {
	Characteristics uint16
	Machine         uint16
	StackCommit     uint32
	HeapCommit      uint32
	Sections        []Section
	Raw             []byte
}

// Compute returns the PEhash of img as a lowercase hex string. The
// computation is a pure function of img: identical images always produce
// identical digests, and independent images may be fingerprinted
// concurrently without coordination.
func Compute(img Image) (string, error) {
	buf, err := assemble(img)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:]), nil
}

// assemble builds the pre-hash byte string: one folded byte each for the
// image characteristics, machine type, stack commit and heap commit, then
// for every section in table order the minimally packed virtual address,
// the low 24 bits of the raw size, the folded section flags and the entropy
// byte. Every fragment is a whole number of bytes, so the concatenation
// needs no bit-level carry.
func assemble(img Image) ([]byte, error) {
	if len(img.Raw) == 0 {
		return nil, ErrMalformedImage
	}

	var buf bytes.Buffer
	buf.WriteByte(foldHalves16(img.Characteristics))
	buf.WriteByte(foldHalves16(img.Machine))
	buf.WriteByte(foldCommit32(img.StackCommit))
	buf.WriteByte(foldCommit32(img.HeapCommit))

	for _, s := range img.Sections {
		buf.Write(packMinimal(s.VirtualAddress))
		size := rawSizeLow24(s.SizeOfRawData)
		buf.Write(size[:])
		buf.WriteByte(foldSectionFlags(s.Characteristics))
		eb, err := entropyByte(img.Raw, s)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(eb)
	}
	return buf.Bytes(), nil
}
