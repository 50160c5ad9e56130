package linker

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// WriteSegmentTable prints headers the way readelf -l lays them out, with
// the member sections of each segment when ctx is given.
func WriteSegmentTable(w io.Writer, headers []ProgramHeader, ctx *Context) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Type", "Offset", "VirtAddr", "PhysAddr", "FileSiz", "MemSiz", "Flg", "Align", "Sections"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i, p := range headers {
		var sections string
		if ctx != nil && i < len(ctx.Segments) {
			names := make([]string, 0, ctx.Segments[i].Count())
			for _, id := range ctx.Segments[i].Members {
				names = append(names, ctx.Section(id).Name)
			}
			sections = strings.Join(names, " ")
		}
		table.Append([]string{
			fmt.Sprint(i),
			ProgTypeName(p.Type),
			fmt.Sprintf("%#08x", p.Offset),
			fmt.Sprintf("%#016x", p.VAddr),
			fmt.Sprintf("%#016x", p.PAddr),
			sizeString(p.FileSize),
			sizeString(p.MemSize),
			ProgFlagString(p.Flags),
			fmt.Sprintf("%#x", p.Align),
			sections,
		})
	}
	table.Render()
}

func sizeString(size uint64) string {
	return fmt.Sprintf("%#x (%s)", size, humanize.IBytes(size))
}

// WriteWarnings prints the warnings collected in plan.
func WriteWarnings(w io.Writer, plan *Plan) {
	for _, err := range plan.Warnings {
		fmt.Fprintf(w, "warning: %v\n", err)
	}
}
