package linker

// NoSection marks an input section that was dropped from the output.
const NoSection SectionID = -1

// InputSection ties a section of an input file to the output section it
// was copied to.
type InputSection struct {
	File   *ObjectFile
	Shndx  int
	Output SectionID
}

func (i *InputSection) Section() *Section {
	return &i.File.Sections[i.Shndx]
}

func (i *InputSection) Name() string {
	return i.Section().Name
}

func (i *InputSection) Mapped() bool {
	return i.Output != NoSection
}
