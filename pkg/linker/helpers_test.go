package linker

import (
	"debug/elf"
	"testing"

	"github.com/go-kit/log"
)

type testingLogger struct {
	t testing.TB
}

func newTestingLogger(t testing.TB) log.Logger {
	return &testingLogger{t: t}
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.t.Log(keyvals...)
	return nil
}

func newTestContext(t testing.TB, link *LinkInfo) *Context {
	ctx := NewContext(NewTarget(elf.EM_X86_64, elf.ELFCLASS64, elf.ELFDATA2LSB), link)
	ctx.Logger = newTestingLogger(t)
	return ctx
}

const (
	textFlags   = SecAlloc | SecLoad | SecReadOnly | SecCode | SecHasContents
	rodataFlags = SecAlloc | SecLoad | SecReadOnly | SecHasContents
	dataFlags   = SecAlloc | SecLoad | SecHasContents
	bssFlags    = SecAlloc
	tdataFlags  = dataFlags | SecThreadLocal
	tbssFlags   = SecAlloc | SecThreadLocal
)

func fill(size uint64, b byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func section(name string, flags SectionFlags, addr, size, align uint64) Section {
	s := Section{
		Name:      name,
		VMA:       addr,
		LMA:       addr,
		Size:      size,
		Addralign: align,
		Flags:     flags,
	}
	if flags&SecLoad != 0 {
		s.Contents = fill(size, byte(len(name)))
	}
	return s
}

func addSections(ctx *Context, sections ...Section) []SectionID {
	ids := make([]SectionID, 0, len(sections))
	for _, s := range sections {
		ids = append(ids, ctx.AddSection(s))
	}
	return ids
}

func headerTypes(headers []ProgramHeader) []elf.ProgType {
	types := make([]elf.ProgType, 0, len(headers))
	for _, h := range headers {
		types = append(types, h.Type)
	}
	return types
}
