package databody

import "io"

// newBlockingPipe returns an io.Reader/io.Closer pair where reads block
// until data is written or the writer is closed, used to exercise
// ReadChunk's context-cancellation path without a real network connection.
func newBlockingPipe() (io.Reader, io.Closer) {
	r, w := io.Pipe()
	return r, w
}
