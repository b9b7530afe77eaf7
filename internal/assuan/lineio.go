package assuan

import (
	"bufio"
	"errors"
	"io"
)

var errLineTooLong = errors.New("assuan: line too long")

func newLineReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, MaxLineLength+2)
}

// readLine returns one line without its LF. The returned slice aliases the
// reader's buffer until the next read. An over-long line yields errLineTooLong
// and leaves the remainder unread; discardLine skips it.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	switch {
	case err == nil:
		return line[:len(line)-1], nil
	case errors.Is(err, bufio.ErrBufferFull):
		return line, errLineTooLong
	case errors.Is(err, io.EOF) && len(line) > 0:
		return line, io.ErrUnexpectedEOF
	default:
		return nil, err
	}
}

func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func writeLine(w io.Writer, line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
