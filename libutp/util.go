// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// assert panics with the failing source line when val is false. It guards
// conditions that can only be violated by a bug in this package, never by
// anything arriving off the wire.
func utpAssert(val bool) {
	if val {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("failed assertion, and can't get caller info")
	}
	message := fmt.Sprintf("failed assertion in %s:%d", file, line)
	if src := readLineFromFile(file, line); src != "" {
		message += "\n\n>>> " + strings.TrimSpace(src) + "\n"
	}
	panic(message)
}

func readLineFromFile(filePath string, lineNum int) string {
	if lineNum == 0 {
		return ""
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(contents), "\n")
	if len(lines) >= lineNum {
		return lines[lineNum-1]
	}
	return ""
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float64
}

func min[T number](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func max[T number](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func clamp[T number](lo, x, hi T) T {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
