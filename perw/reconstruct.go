package perw

import (
	"fmt"

	"gopehash/pehash"
)

// CalculatePhysicalFileSize returns the end of the physical PE layout:
// headers plus the furthest section raw data. Bytes past it are overlay.
func (p *PEFile) CalculatePhysicalFileSize() uint64 {
	maxSize := p.headersSize()
	for _, s := range p.Sections {
		if s.Size > 0 && s.Offset > 0 {
			end := uint64(s.Offset) + uint64(s.Size)
			if end > maxSize {
				maxSize = end
			}
		}
	}
	return maxSize
}

func (p *PEFile) headersSize() uint64 {
	if peOffset, ok := ntHeaderOffset(p.RawData); ok {
		// Section headers follow the optional header; 40 bytes each.
		optHeaderSize := uint64(p.RawData[peOffset+20]) | uint64(p.RawData[peOffset+21])<<8
		return uint64(peOffset) + 24 + optHeaderSize + uint64(p.declaredSections)*40
	}
	return 64
}

func (p *PEFile) detectOverlay() {
	physical := p.CalculatePhysicalFileSize()
	if uint64(p.FileSize) > physical {
		p.HasOverlay = true
		p.OverlayOffset = int64(physical)
		p.OverlaySize = p.FileSize - int64(physical)
	}
}

// ReconstructedImage returns the full on-disk layout of the image: headers
// and all sections at their file offsets, overlay included. For an
// unmodified file this is the file's own bytes, which matches what the
// reference parser's write() produced and is what the fingerprint's entropy
// step slices into.
func (p *PEFile) ReconstructedImage() []byte {
	out := make([]byte, len(p.RawData))
	copy(out, p.RawData)
	return out
}

// HashImage bridges a parsed file to the fingerprint core's image value.
// It fails when the section table is inconsistent with the file contents
// rather than letting a partial table produce a plausible-looking digest.
func (p *PEFile) HashImage() (pehash.Image, error) {
	if p.declaredSections > len(p.Sections) {
		return pehash.Image{}, fmt.Errorf("%w: header declares %d sections, found %d",
			pehash.ErrMalformedImage, p.declaredSections, len(p.Sections))
	}

	img := pehash.Image{
		Characteristics: p.characteristics,
		Machine:         p.machine,
		StackCommit:     p.stackCommit,
		HeapCommit:      p.heapCommit,
		Sections:        make([]pehash.Section, 0, len(p.Sections)),
		Raw:             p.ReconstructedImage(),
	}
	for _, s := range p.Sections {
		img.Sections = append(img.Sections, pehash.Section{
			VirtualAddress:  s.VirtualAddress,
			SizeOfRawData:   uint32(s.Size),
			Characteristics: s.Flags,
		})
	}
	return img, nil
}

// Pehash parses nothing and touches no state: it computes the clustering
// fingerprint of the already-parsed image.
func (p *PEFile) Pehash() (string, error) {
	img, err := p.HashImage()
	if err != nil {
		return "", err
	}
	return pehash.Compute(img)
}
