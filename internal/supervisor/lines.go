package supervisor

import (
	"bufio"
	"io"
	"iter"
)

const (
	initialLineBuffer = 64 * 1024
	// MaxLineBytes caps a single line; stream-json records carrying tool
	// output can run to several megabytes.
	MaxLineBytes = 16 * 1024 * 1024
)

// Lines lazily yields the lines of r with "\n" or "\r\n" terminators removed.
// A trailing line without a terminator is still yielded. Iteration ends at
// EOF, or after yielding a single non-nil error.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return linesWithLimit(r, MaxLineBytes)
}

func linesWithLimit(r io.Reader, limit int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, min(initialLineBuffer, limit)), limit)
		for scanner.Scan() {
			if !yield(scanner.Text(), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}
