package linker

import (
	"bytes"
	"debug/elf"

	"seglayout/pkg/utils"
)

// Program header types and flags that debug/elf does not know about.
const (
	PT_GNU_SFRAME       elf.ProgType = 0x6474e554
	PT_GNU_MBIND_LO     elf.ProgType = 0x6474e555
	PT_GNU_MBIND_HI     elf.ProgType = PT_GNU_MBIND_LO + PT_GNU_MBIND_NUM - 1
	PT_S390_PGSTE       elf.ProgType = 0x70000000
	PT_IA_64_ARCHEXT    elf.ProgType = 0x70000000
	PT_IA_64_UNWIND     elf.ProgType = 0x70000001
	PT_RISCV_ATTRIBUTES elf.ProgType = 0x70000003
)

const PT_GNU_MBIND_NUM = 4096

const PF_HP_CODE elf.ProgFlag = 0x01000000

const (
	SHF_GNU_MBIND elf.SectionFlag = 0x01000000
	SHF_EXCLUDE   elf.SectionFlag = 0x80000000
)

const (
	SHT_IA_64_UNWIND     elf.SectionType = 0x70000001
	SHT_RISCV_ATTRIBUTES elf.SectionType = 0x70000003
)

const (
	Elf32HeaderSize = 52
	Elf64HeaderSize = 64
	Elf32PhdrSize   = 32
	Elf64PhdrSize   = 56
	Elf32ShdrSize   = 40
	Elf64ShdrSize   = 64
	PageSize        = 4096
)

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte(elf.ELFMAG))
}

func WriteMagic(contents []byte) {
	copy(contents, elf.ELFMAG)
}

// HeaderSizes returns the ELF header and program header entry size of a class.
func HeaderSizes(class elf.Class) (ehdr, phent uint64) {
	if class == elf.ELFCLASS32 {
		return Elf32HeaderSize, Elf32PhdrSize
	}
	return Elf64HeaderSize, Elf64PhdrSize
}

// ProgTypeName prints the common program header types the way readelf does.
func ProgTypeName(t elf.ProgType) string {
	switch t {
	case PT_GNU_SFRAME:
		return "GNU_SFRAME"
	case elf.PT_GNU_EH_FRAME:
		return "GNU_EH_FRAME"
	case elf.PT_GNU_STACK:
		return "GNU_STACK"
	case elf.PT_GNU_RELRO:
		return "GNU_RELRO"
	case elf.PT_GNU_PROPERTY:
		return "GNU_PROPERTY"
	}
	if t >= PT_GNU_MBIND_LO && t <= PT_GNU_MBIND_HI {
		return "GNU_MBIND"
	}
	switch t {
	case elf.PT_NULL, elf.PT_LOAD, elf.PT_DYNAMIC, elf.PT_INTERP, elf.PT_NOTE,
		elf.PT_SHLIB, elf.PT_PHDR, elf.PT_TLS:
		name, _ := utils.RemovePrefix(t.String(), "PT_")
		return name
	}
	return t.String()
}

func ProgFlagString(f elf.ProgFlag) string {
	b := []byte("   ")
	if f&elf.PF_R != 0 {
		b[0] = 'R'
	}
	if f&elf.PF_W != 0 {
		b[1] = 'W'
	}
	if f&elf.PF_X != 0 {
		b[2] = 'E'
	}
	return string(b)
}
