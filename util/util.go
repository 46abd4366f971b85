package util

import "os"

// PageSize is the host's minimum I/O alignment unit. Read offsets and
// write lengths handed to the transfer path must be multiples of it.
var PageSize = uint64(os.Getpagesize())

func PageAligned(n uint64) bool {
	return n%PageSize == 0
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func SumOverflows(x uint64, y uint64) bool {
	return x+y < x
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
