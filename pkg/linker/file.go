package linker

import (
	"os"

	"github.com/pkg/errors"
)

type File struct {
	Name     string
	Contents []byte
}

func NewFile(filename string) (*File, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	return &File{
		Name:     filename,
		Contents: contents,
	}, nil
}
