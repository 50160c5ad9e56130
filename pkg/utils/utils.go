package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"runtime/debug"
	"strings"

	"golang.org/x/exp/constraints"
)

func Fatal(v any) {
	fmt.Fprintf(os.Stderr, "seglayout:\n\t\033[0;1;31mfatal\033[0m: %v\n", v)
	debug.PrintStack()
	os.Exit(1)
}

func MustNo(err error) {
	if err != nil {
		Fatal(err.Error())
	}
}

func Assert(condition bool) {
	if !condition {
		Fatal("Assert Failed")
	}
}

// Read decodes a fixed-size record from the front of data.
func Read[T any](data []byte, order binary.ByteOrder) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, order, &val)

	MustNo(err)

	return val
}

// Write encodes val at the front of data.
func Write[T any](data []byte, order binary.ByteOrder, val T) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, order, val)
	MustNo(err)
	copy(data, buf.Bytes())
}

// AlignTo rounds val up to a multiple of align. align must be zero or a power of two.
func AlignTo[T constraints.Unsigned](val, align T) T {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

// AlignDown rounds val down to a multiple of align.
func AlignDown[T constraints.Unsigned](val, align T) T {
	if align == 0 {
		return val
	}
	return val &^ (align - 1)
}

func IsPowerOfTwo[T constraints.Unsigned](val T) bool {
	return val != 0 && val&(val-1) == 0
}

// MulOverflow returns a*b and whether the product wrapped.
func MulOverflow(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}

// AddOverflow returns a+b and whether the sum wrapped.
func AddOverflow(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry != 0
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0
	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return strings.TrimPrefix(s, prefix), true
	}
	return s, false
}
