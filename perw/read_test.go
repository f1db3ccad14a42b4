package perw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gopehash/pehash"
)

// buildTestPE assembles a minimal valid PE32 image: DOS header, COFF header
// (i386, characteristics 0x0102), a full 224-byte optional header with
// 0x1000 stack/heap commits, one .text section header and 0x200 bytes of
// section data at file offset 0x200.
func buildTestPE() []byte {
	image := make([]byte, 0x400)

	// DOS header
	image[0] = 'M'
	image[1] = 'Z'
	binary.LittleEndian.PutUint32(image[0x3c:], 0x80) // e_lfanew

	// PE signature + COFF header
	copy(image[0x80:], "PE\x00\x00")
	coff := image[0x84:]
	binary.LittleEndian.PutUint16(coff[0:], 0x014c) // Machine: i386
	binary.LittleEndian.PutUint16(coff[2:], 1)      // NumberOfSections
	binary.LittleEndian.PutUint16(coff[16:], 224)   // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(coff[18:], 0x0102)

	// Optional header (PE32)
	opt := image[0x98:]
	binary.LittleEndian.PutUint16(opt[0:], 0x10b)
	binary.LittleEndian.PutUint32(opt[32:], 0x1000)   // SectionAlignment
	binary.LittleEndian.PutUint32(opt[36:], 0x200)    // FileAlignment
	binary.LittleEndian.PutUint32(opt[56:], 0x2000)   // SizeOfImage
	binary.LittleEndian.PutUint32(opt[60:], 0x200)    // SizeOfHeaders
	binary.LittleEndian.PutUint16(opt[68:], 3)        // Subsystem: console
	binary.LittleEndian.PutUint32(opt[72:], 0x100000) // SizeOfStackReserve
	binary.LittleEndian.PutUint32(opt[76:], 0x1000)   // SizeOfStackCommit
	binary.LittleEndian.PutUint32(opt[80:], 0x100000) // SizeOfHeapReserve
	binary.LittleEndian.PutUint32(opt[84:], 0x1000)   // SizeOfHeapCommit
	binary.LittleEndian.PutUint32(opt[92:], 16)       // NumberOfRvaAndSizes

	// Section header
	sect := image[0x178:]
	copy(sect[0:], ".text\x00\x00\x00")
	binary.LittleEndian.PutUint32(sect[8:], 0x200)   // VirtualSize
	binary.LittleEndian.PutUint32(sect[12:], 0x1000) // VirtualAddress
	binary.LittleEndian.PutUint32(sect[16:], 0x200)  // SizeOfRawData
	binary.LittleEndian.PutUint32(sect[20:], 0x200)  // PointerToRawData
	binary.LittleEndian.PutUint32(sect[36:], 0x60000020)

	// Section data: low-entropy filler
	for i := 0x200; i < 0x400; i++ {
		image[i] = byte(i % 16)
	}
	return image
}

func writeTestPE(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	if err := os.WriteFile(path, image, 0644); err != nil {
		t.Fatalf("failed to write test PE: %v", err)
	}
	return path
}

func TestReadPE(t *testing.T) {
	path := writeTestPE(t, buildTestPE())
	pf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = pf.Close()
	}()

	if pf.PE == nil {
		t.Error("expected standard parser to succeed")
	}
	if pf.Characteristics() != 0x0102 {
		t.Errorf("Characteristics = %#x, want 0x0102", pf.Characteristics())
	}
	if pf.MachineType() != 0x014c {
		t.Errorf("MachineType = %#x, want 0x014c", pf.MachineType())
	}
	if pf.Machine != "i386" {
		t.Errorf("Machine = %q, want i386", pf.Machine)
	}
	if pf.StackCommit() != 0x1000 || pf.HeapCommit() != 0x1000 {
		t.Errorf("commit sizes = %#x/%#x, want 0x1000/0x1000", pf.StackCommit(), pf.HeapCommit())
	}

	if len(pf.Sections) != 1 {
		t.Fatalf("parsed %d sections, want 1", len(pf.Sections))
	}
	s := pf.Sections[0]
	if s.Name != ".text" {
		t.Errorf("section name = %q, want .text", s.Name)
	}
	if s.VirtualAddress != 0x1000 || s.Size != 0x200 || s.Flags != 0x60000020 {
		t.Errorf("section fields = va %#x size %#x flags %#x", s.VirtualAddress, s.Size, s.Flags)
	}
	if !s.IsExecutable || s.IsWritable {
		t.Errorf("flag decoding wrong: exec=%v write=%v", s.IsExecutable, s.IsWritable)
	}
	if s.Entropy <= 0 {
		t.Errorf("section entropy = %v, want > 0", s.Entropy)
	}
	if len(s.SHA256Hash) != 64 {
		t.Errorf("section sha256 = %q", s.SHA256Hash)
	}
}

func TestPehash(t *testing.T) {
	path := writeTestPE(t, buildTestPE())
	pf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = pf.Close()
	}()

	hash, err := pf.Pehash()
	if err != nil {
		t.Fatalf("Pehash: %v", err)
	}
	if len(hash) != 40 {
		t.Fatalf("pehash %q is not a 160-bit hex digest", hash)
	}

	// Same parsed image, same digest.
	again, err := pf.Pehash()
	if err != nil {
		t.Fatalf("Pehash: %v", err)
	}
	if hash != again {
		t.Errorf("pehash not deterministic: %s vs %s", hash, again)
	}
}

func TestHashImageFields(t *testing.T) {
	path := writeTestPE(t, buildTestPE())
	pf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = pf.Close()
	}()

	img, err := pf.HashImage()
	if err != nil {
		t.Fatalf("HashImage: %v", err)
	}
	if img.Characteristics != 0x0102 || img.Machine != 0x014c {
		t.Errorf("header fields = %#x/%#x", img.Characteristics, img.Machine)
	}
	if len(img.Sections) != 1 {
		t.Fatalf("bridge carried %d sections, want 1", len(img.Sections))
	}
	if img.Sections[0] != (pehash.Section{VirtualAddress: 0x1000, SizeOfRawData: 0x200, Characteristics: 0x60000020}) {
		t.Errorf("bridged section = %+v", img.Sections[0])
	}
	if !bytes.Equal(img.Raw, pf.RawData) {
		t.Error("reconstructed image differs from on-disk layout")
	}
}

// A section table that claims more entries than the file holds must surface
// as a malformed-image error, never as a digest over the partial table.
func TestPehashTruncatedSectionTable(t *testing.T) {
	image := buildTestPE()
	binary.LittleEndian.PutUint16(image[0x84+2:], 4) // claim 4 sections
	image = image[:0x1a0]                            // cut after the first header

	path := writeTestPE(t, image)
	pf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = pf.Close()
	}()

	if _, err := pf.Pehash(); !errors.Is(err, pehash.ErrMalformedImage) {
		t.Fatalf("expected ErrMalformedImage, got %v", err)
	}
}

func TestReconstructedImageIsCopy(t *testing.T) {
	path := writeTestPE(t, buildTestPE())
	pf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = pf.Close()
	}()

	img := pf.ReconstructedImage()
	if !bytes.Equal(img, pf.RawData) {
		t.Fatal("reconstruction must match the on-disk layout")
	}
	img[0] = 0xff
	if pf.RawData[0] == 0xff {
		t.Error("reconstruction aliases the parser's buffer")
	}
}

func TestOverlayDetection(t *testing.T) {
	image := append(buildTestPE(), []byte("OVERLAYDATA")...)
	path := writeTestPE(t, image)
	pf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = pf.Close()
	}()

	if !pf.HasOverlay {
		t.Fatal("expected overlay to be detected")
	}
	if pf.OverlayOffset != 0x400 || pf.OverlaySize != 11 {
		t.Errorf("overlay at %d size %d, want 0x400 size 11", pf.OverlayOffset, pf.OverlaySize)
	}
}

func TestIsPEFile(t *testing.T) {
	pePath := writeTestPE(t, buildTestPE())
	ok, err := IsPEFile(pePath)
	if err != nil || !ok {
		t.Errorf("IsPEFile(valid) = %v, %v", ok, err)
	}

	textPath := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(textPath, bytes.Repeat([]byte("hello world "), 16), 0644); err != nil {
		t.Fatal(err)
	}
	ok, err = IsPEFile(textPath)
	if err != nil || ok {
		t.Errorf("IsPEFile(text) = %v, %v", ok, err)
	}
}

func TestImphashNoImports(t *testing.T) {
	path := writeTestPE(t, buildTestPE())
	pf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = pf.Close()
	}()

	hash, err := pf.Imphash()
	if err != nil {
		t.Fatalf("Imphash: %v", err)
	}
	if hash != emptyImphash {
		t.Errorf("imphash of import-less image = %s, want %s", hash, emptyImphash)
	}
}

func TestCalculateEntropy(t *testing.T) {
	if e := CalculateEntropy(nil); e != 0 {
		t.Errorf("entropy of empty data = %v", e)
	}
	if e := CalculateEntropy(bytes.Repeat([]byte{0x41}, 256)); e != 0 {
		t.Errorf("entropy of constant data = %v, want 0", e)
	}
	uniform := make([]byte, 256)
	for i := range uniform {
		uniform[i] = byte(i)
	}
	if e := CalculateEntropy(uniform); e < 7.99 || e > 8.01 {
		t.Errorf("entropy of uniform data = %v, want 8", e)
	}
}
