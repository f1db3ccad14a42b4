package perw

import (
	"crypto/md5"
	"debug/pe"
	"encoding/binary"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"
)

// md5 of the empty string, returned when an image has no import table.
const emptyImphash = "d41d8cd98f00b204e9800998ecf8427e"

// Imphash computes the import-table hash: the MD5 of the normalized
// "dll.function" list in import order. Binaries built from the same source
// tend to share an imphash even when their code sections differ, so it is
// reported alongside the pehash for clustering.
func (p *PEFile) Imphash() (string, error) {
	if p.PE == nil || p.PE.OptionalHeader == nil {
		return emptyImphash, nil
	}

	data, importAddress, sectionAddress, err := p.importData()
	if err != nil {
		return "", err
	}
	if data == nil {
		return emptyImphash, nil
	}

	tableData := data[importAddress-sectionAddress:]
	offset := 0
	var entries []string
	for len(tableData) >= offset+20 {
		directoryData := tableData[offset:]
		firstThunk := binary.LittleEndian.Uint32(directoryData[0:4])
		if firstThunk == 0 {
			break
		}

		nameRVA := binary.LittleEndian.Uint32(directoryData[12:16])
		dllName := readCString(data, int(nameRVA-sectionAddress))
		normalizedDLL := normalizeLibraryName(dllName)
		functionOffset := int(firstThunk - sectionAddress)
		offset += 20

		for functionOffset >= 0 && functionOffset < len(data) {
			name, next, done := p.readThunk(data, functionOffset, sectionAddress)
			if done {
				break
			}
			entries = append(entries, normalizedDLL+"."+strings.ToLower(name))
			functionOffset = next
		}
	}

	hash := md5.Sum([]byte(strings.Join(entries, ",")))
	return hex.EncodeToString(hash[:]), nil
}

// readThunk decodes one import lookup entry, returning the imported name
// (or "ord<N>" for ordinal imports) and the offset of the next entry.
func (p *PEFile) readThunk(data []byte, offset int, sectionAddress uint32) (name string, next int, done bool) {
	if p.Is64Bit {
		if offset+8 > len(data) {
			return "", 0, true
		}
		addr := binary.LittleEndian.Uint64(data[offset : offset+8])
		if addr == 0 {
			return "", 0, true
		}
		if addr&0x8000000000000000 != 0 {
			return ordinalName(uint16(addr)), offset + 8, false
		}
		return readCString(data, int(uint32(addr)-sectionAddress+2)), offset + 8, false
	}

	if offset+4 > len(data) {
		return "", 0, true
	}
	addr := binary.LittleEndian.Uint32(data[offset : offset+4])
	if addr == 0 {
		return "", 0, true
	}
	if addr&0x80000000 != 0 {
		return ordinalName(uint16(addr)), offset + 4, false
	}
	return readCString(data, int(addr-sectionAddress+2)), offset + 4, false
}

// importData returns the bytes of the section containing the import
// directory plus the directory's RVA and the section's RVA.
func (p *PEFile) importData() ([]byte, uint32, uint32, error) {
	directory := p.importDirectory()
	if directory.Size == 0 {
		return nil, 0, 0, nil
	}
	for _, s := range p.PE.Sections {
		if s.VirtualAddress <= directory.VirtualAddress && directory.VirtualAddress < s.VirtualAddress+s.VirtualSize {
			data, err := s.Data()
			if err != nil {
				return nil, 0, 0, err
			}
			return data, directory.VirtualAddress, s.VirtualAddress, nil
		}
	}
	return nil, 0, 0, nil
}

func (p *PEFile) importDirectory() pe.DataDirectory {
	var empty pe.DataDirectory
	switch oh := p.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes < pe.IMAGE_DIRECTORY_ENTRY_IMPORT+1 {
			return empty
		}
		return oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes < pe.IMAGE_DIRECTORY_ENTRY_IMPORT+1 {
			return empty
		}
		return oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
	}
	return empty
}

func readCString(section []byte, start int) string {
	if start < 0 || start >= len(section) {
		return ""
	}
	for end := start; end < len(section); end++ {
		if section[end] == 0 {
			return string(section[start:end])
		}
	}
	return ""
}

func normalizeLibraryName(name string) string {
	name = strings.ToLower(name)
	switch filepath.Ext(name) {
	case ".ocx", ".sys", ".dll":
		return name[:len(name)-4]
	}
	return name
}

func ordinalName(ordinal uint16) string {
	return "ord" + strconv.Itoa(int(ordinal))
}
