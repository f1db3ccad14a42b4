package perw

import (
	"debug/pe"
	"os"
)

type Section struct {
	Name           string
	Offset         int64
	Size           int64
	VirtualAddress uint32
	VirtualSize    uint32
	Index          int
	Flags          uint32
	Entropy        float64
	MD5Hash        string
	SHA1Hash       string
	SHA256Hash     string
	IsExecutable   bool
	IsReadable     bool
	IsWritable     bool
}

type PEFile struct {
	File     *os.File
	PE       *pe.File
	Is64Bit  bool
	FileName string
	Sections []Section
	RawData  []byte

	characteristics uint16
	machine         uint16
	stackCommit     uint32
	heapCommit      uint32
	subsystem       uint16

	// Section count the COFF header declares; exceeds len(Sections) when
	// the section table runs past the end of a truncated file.
	declaredSections int

	Machine       string
	TimeDateStamp string

	FileSize      int64
	IsPacked      bool
	HasOverlay    bool
	OverlayOffset int64
	OverlaySize   int64
}
