package perw

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// Open reads and parses the PE file at path. The returned PEFile keeps the
// file handle; callers own Close.
func Open(path string) (*PEFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	pf, err := ReadPE(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return pf, nil
}

// ReadPE parses an opened PE file into a PEFile. Parsing prefers debug/pe
// and falls back to reading header fields at raw offsets when the standard
// parser rejects the image (packed or deliberately damaged samples).
func ReadPE(file *os.File) (*PEFile, error) {
	pf, err := newPEFileFromDisk(file)
	if err != nil {
		return nil, err
	}
	if err := pf.parseHeaders(); err != nil {
		return nil, fmt.Errorf("failed to parse headers: %w", err)
	}
	if err := pf.parseSections(); err != nil {
		return nil, fmt.Errorf("failed to parse sections: %w", err)
	}
	pf.detectOverlay()
	pf.IsPacked = isLikelyPacked(pf.Sections)
	return pf, nil
}

func newPEFileFromDisk(file *os.File) (*PEFile, error) {
	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	rawData, err := readFileData(file)
	if err != nil {
		return nil, err
	}
	if err := validateDOSHeader(rawData); err != nil {
		return nil, err
	}

	pf := &PEFile{
		File:     file,
		FileName: file.Name(),
		RawData:  rawData,
		FileSize: fileInfo.Size(),
	}

	peLibFile, err := pe.NewFile(bytes.NewReader(rawData))
	if err == nil {
		pf.PE = peLibFile
		pf.Is64Bit = peLibFile.FileHeader.Machine == pe.IMAGE_FILE_MACHINE_AMD64 ||
			peLibFile.FileHeader.Machine == pe.IMAGE_FILE_MACHINE_ARM64
		return pf, nil
	}

	// Fall back to raw parsing; determine bitness from the optional header
	// magic if it is still readable.
	if offset, ok := ntHeaderOffset(rawData); ok && offset+26 <= len(rawData) {
		magic := binary.LittleEndian.Uint16(rawData[offset+24 : offset+26])
		pf.Is64Bit = magic == 0x20b
	}
	return pf, nil
}

func readFileData(file *os.File) ([]byte, error) {
	fileInfo, err := file.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, fileInfo.Size())
	if _, err := file.ReadAt(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

func validateDOSHeader(data []byte) error {
	if len(data) < 64 {
		return fmt.Errorf("file too small to be a valid PE file")
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return fmt.Errorf("invalid DOS header signature")
	}
	return nil
}

// ntHeaderOffset resolves e_lfanew and verifies the PE signature.
func ntHeaderOffset(data []byte) (int, bool) {
	if len(data) < 64 {
		return 0, false
	}
	offset := int(binary.LittleEndian.Uint32(data[60:64]))
	if offset < 0 || offset+24 >= len(data) {
		return 0, false
	}
	if string(data[offset:offset+4]) != "PE\x00\x00" {
		return 0, false
	}
	return offset, true
}

func (p *PEFile) parseHeaders() error {
	if p.PE == nil {
		return p.parseHeadersFromRaw()
	}

	p.characteristics = p.PE.FileHeader.Characteristics
	p.machine = p.PE.FileHeader.Machine
	p.declaredSections = int(p.PE.FileHeader.NumberOfSections)

	switch oh := p.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		p.stackCommit = oh.SizeOfStackCommit
		p.heapCommit = oh.SizeOfHeapCommit
		p.subsystem = oh.Subsystem
	case *pe.OptionalHeader64:
		// PE32+ widens the commit sizes to 64 bits; the fingerprint
		// consumes the low word.
		p.stackCommit = uint32(oh.SizeOfStackCommit)
		p.heapCommit = uint32(oh.SizeOfHeapCommit)
		p.subsystem = oh.Subsystem
	default:
		return fmt.Errorf("optional header missing or unsupported")
	}

	p.extractMachineName()
	p.extractTimeDateStamp()
	return nil
}

// parseHeadersFromRaw recovers the header fields the fingerprint needs by
// reading them at their file offsets, for images debug/pe refuses to load.
func (p *PEFile) parseHeadersFromRaw() error {
	peOffset, ok := ntHeaderOffset(p.RawData)
	if !ok {
		return fmt.Errorf("invalid PE header offset or signature")
	}

	p.machine = binary.LittleEndian.Uint16(p.RawData[peOffset+4 : peOffset+6])
	p.declaredSections = int(binary.LittleEndian.Uint16(p.RawData[peOffset+6 : peOffset+8]))
	p.characteristics = binary.LittleEndian.Uint16(p.RawData[peOffset+22 : peOffset+24])

	timestamp := binary.LittleEndian.Uint32(p.RawData[peOffset+8 : peOffset+12])
	if timestamp > 0 {
		p.TimeDateStamp = time.Unix(int64(timestamp), 0).UTC().Format("2006-01-02 15:04:05 MST")
	} else {
		p.TimeDateStamp = "Not set"
	}

	optHeaderOffset := peOffset + 24
	optHeaderSize := int(binary.LittleEndian.Uint16(p.RawData[peOffset+20 : peOffset+22]))
	if optHeaderSize >= 2 && optHeaderOffset+2 <= len(p.RawData) {
		magic := binary.LittleEndian.Uint16(p.RawData[optHeaderOffset : optHeaderOffset+2])
		switch magic {
		case 0x10b:
			// PE32: SizeOfStackCommit at +76, SizeOfHeapCommit at +84.
			if optHeaderOffset+88 <= len(p.RawData) {
				p.stackCommit = binary.LittleEndian.Uint32(p.RawData[optHeaderOffset+76 : optHeaderOffset+80])
				p.heapCommit = binary.LittleEndian.Uint32(p.RawData[optHeaderOffset+84 : optHeaderOffset+88])
				p.subsystem = binary.LittleEndian.Uint16(p.RawData[optHeaderOffset+68 : optHeaderOffset+70])
			}
		case 0x20b:
			// PE32+: the commit sizes are 64-bit, at +80 and +96.
			if optHeaderOffset+104 <= len(p.RawData) {
				p.stackCommit = binary.LittleEndian.Uint32(p.RawData[optHeaderOffset+80 : optHeaderOffset+84])
				p.heapCommit = binary.LittleEndian.Uint32(p.RawData[optHeaderOffset+96 : optHeaderOffset+100])
				p.subsystem = binary.LittleEndian.Uint16(p.RawData[optHeaderOffset+68 : optHeaderOffset+70])
				p.Is64Bit = true
			}
		}
	}

	p.extractMachineName()
	return nil
}

func (p *PEFile) parseSections() error {
	p.Sections = make([]Section, 0)

	if p.PE == nil || p.PE.Sections == nil {
		return p.parseSectionsFromRaw()
	}

	for i, s := range p.PE.Sections {
		if s == nil {
			continue
		}
		section := Section{
			Name:           strings.TrimRight(s.Name, "\x00"),
			Offset:         int64(s.Offset),
			Size:           int64(s.Size),
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Index:          i,
			Flags:          s.Characteristics,
			IsExecutable:   (s.Characteristics & pe.IMAGE_SCN_MEM_EXECUTE) != 0,
			IsReadable:     (s.Characteristics & pe.IMAGE_SCN_MEM_READ) != 0,
			IsWritable:     (s.Characteristics & pe.IMAGE_SCN_MEM_WRITE) != 0,
		}
		p.fillSectionHashesAndEntropy(&section)
		p.Sections = append(p.Sections, section)
	}
	return nil
}

// parseSectionsFromRaw walks the section table at raw offsets. Headers that
// extend beyond the file are dropped, leaving len(Sections) below the
// declared count; HashImage treats that gap as a malformed image.
func (p *PEFile) parseSectionsFromRaw() error {
	peOffset, ok := ntHeaderOffset(p.RawData)
	if !ok {
		return fmt.Errorf("invalid PE header offset or signature")
	}

	numSections := int(binary.LittleEndian.Uint16(p.RawData[peOffset+6 : peOffset+8]))
	optHeaderSize := int(binary.LittleEndian.Uint16(p.RawData[peOffset+20 : peOffset+22]))
	sectionHeadersOffset := peOffset + 24 + optHeaderSize

	for i := 0; i < numSections; i++ {
		offset := sectionHeadersOffset + i*40
		if offset+40 > len(p.RawData) {
			break
		}

		name := p.sanitizeSectionName(p.RawData[offset : offset+8])
		virtualSize := binary.LittleEndian.Uint32(p.RawData[offset+8 : offset+12])
		virtualAddress := binary.LittleEndian.Uint32(p.RawData[offset+12 : offset+16])
		sizeOfRawData := binary.LittleEndian.Uint32(p.RawData[offset+16 : offset+20])
		pointerToRawData := binary.LittleEndian.Uint32(p.RawData[offset+20 : offset+24])
		characteristics := binary.LittleEndian.Uint32(p.RawData[offset+36 : offset+40])

		section := Section{
			Name:           name,
			Offset:         int64(pointerToRawData),
			Size:           int64(sizeOfRawData),
			VirtualAddress: virtualAddress,
			VirtualSize:    virtualSize,
			Index:          i,
			Flags:          characteristics,
			IsExecutable:   (characteristics & 0x20000000) != 0,
			IsReadable:     (characteristics & 0x40000000) != 0,
			IsWritable:     (characteristics & 0x80000000) != 0,
		}
		p.fillSectionHashesAndEntropy(&section)
		p.Sections = append(p.Sections, section)
	}
	return nil
}

func (p *PEFile) fillSectionHashesAndEntropy(section *Section) {
	if section.Size > 0 && section.Offset >= 0 && section.Offset+section.Size <= int64(len(p.RawData)) {
		data := p.RawData[section.Offset : section.Offset+section.Size]
		md5Hash := md5.Sum(data)
		sha1Hash := sha1.Sum(data)
		sha256Hash := sha256.Sum256(data)
		section.MD5Hash = fmt.Sprintf("%x", md5Hash)
		section.SHA1Hash = fmt.Sprintf("%x", sha1Hash)
		section.SHA256Hash = fmt.Sprintf("%x", sha256Hash)
		section.Entropy = CalculateEntropy(data)
	} else {
		section.MD5Hash = "N/A (no raw data)"
		section.SHA1Hash = "N/A (no raw data)"
		section.SHA256Hash = "N/A (no raw data)"
		section.Entropy = 0.0
	}
}

func (p *PEFile) sanitizeSectionName(nameBytes []byte) string {
	name := strings.TrimRight(string(nameBytes), "\x00")
	for _, r := range name {
		if r < 32 || r > 126 {
			return fmt.Sprintf("<stripped_%d>", len(p.Sections))
		}
	}
	if name == "" {
		return fmt.Sprintf("<stripped_%d>", len(p.Sections))
	}
	return name
}

func (p *PEFile) extractMachineName() {
	switch p.machine {
	case 0x014c:
		p.Machine = "i386"
	case 0x8664:
		p.Machine = "amd64"
	case 0x01c0:
		p.Machine = "arm"
	case 0xaa64:
		p.Machine = "arm64"
	default:
		p.Machine = fmt.Sprintf("unknown(0x%x)", p.machine)
	}
}

func (p *PEFile) extractTimeDateStamp() {
	if p.PE.FileHeader.TimeDateStamp != 0 {
		t := time.Unix(int64(p.PE.FileHeader.TimeDateStamp), 0)
		p.TimeDateStamp = t.UTC().Format("2006-01-02 15:04:05 MST")
	} else {
		p.TimeDateStamp = "Not set"
	}
}

// Characteristics returns the COFF file header characteristics word.
func (p *PEFile) Characteristics() uint16 { return p.characteristics }

// MachineType returns the COFF machine identifier.
func (p *PEFile) MachineType() uint16 { return p.machine }

// StackCommit returns SizeOfStackCommit from the optional header.
func (p *PEFile) StackCommit() uint32 { return p.stackCommit }

// HeapCommit returns SizeOfHeapCommit from the optional header.
func (p *PEFile) HeapCommit() uint32 { return p.heapCommit }

// Subsystem returns the optional header subsystem value.
func (p *PEFile) Subsystem() uint16 { return p.subsystem }

func (p *PEFile) Close() error {
	var errs []error
	if p.PE != nil {
		if err := p.PE.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close PE: %w", err))
		}
	}
	if p.File != nil {
		if err := p.File.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// IsPEFile reports whether the file at filePath begins with a DOS header
// pointing at a valid PE signature.
func IsPEFile(filePath string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	dosHeader := make([]byte, 64)
	if _, err := file.Read(dosHeader); err != nil {
		return false, nil
	}
	if dosHeader[0] != 'M' || dosHeader[1] != 'Z' {
		return false, nil
	}

	peOffset := binary.LittleEndian.Uint32(dosHeader[60:64])
	if _, err := file.Seek(int64(peOffset), 0); err != nil {
		return false, nil
	}
	peSignature := make([]byte, 4)
	if _, err := file.Read(peSignature); err != nil {
		return false, nil
	}
	return string(peSignature) == "PE\x00\x00", nil
}

// CalculateEntropy computes the Shannon entropy of data in bits per byte.
func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	freq := make([]int, 256)
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	length := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func isLikelyPacked(sections []Section) bool {
	if len(sections) == 0 {
		return false
	}
	var (
		highEntropyCount int
		total            int
		sumEntropy       float64
	)
	for _, s := range sections {
		if s.Size == 0 {
			continue
		}
		total++
		sumEntropy += s.Entropy
		if s.Entropy > 7.0 {
			highEntropyCount++
		}
	}
	if total == 0 {
		return false
	}
	avgEntropy := sumEntropy / float64(total)
	percentHigh := float64(highEntropyCount) / float64(total)

	return percentHigh > 0.5 || avgEntropy > 6.8
}
