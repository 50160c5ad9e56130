package linker

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	BadValue ErrorKind = iota + 1
	FileTooBig
	InsufficientRoom
	Sorry
)

func (k ErrorKind) String() string {
	switch k {
	case BadValue:
		return "bad value"
	case FileTooBig:
		return "file too big"
	case InsufficientRoom:
		return "insufficient room"
	case Sorry:
		return "sorry"
	}
	return "unknown"
}

// LayoutError aborts a layout pass. Segment and Section are -1 when the
// error is not tied to one.
type LayoutError struct {
	Kind    ErrorKind
	Segment int
	Section string
	Msg     string
}

func (e *LayoutError) Error() string {
	return e.Msg
}

func newLayoutError(kind ErrorKind, format string, args ...any) error {
	return errors.WithStack(&LayoutError{
		Kind:    kind,
		Segment: -1,
		Msg:     fmt.Sprintf(format, args...),
	})
}

func segmentError(kind ErrorKind, segment int, section string, format string, args ...any) error {
	return errors.WithStack(&LayoutError{
		Kind:    kind,
		Segment: segment,
		Section: section,
		Msg:     fmt.Sprintf(format, args...),
	})
}

// KindOf returns the kind of the LayoutError wrapped in err, or 0.
func KindOf(err error) ErrorKind {
	var le *LayoutError
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
