// Package control implements the resize side channel spoken between the
// panel server and the PTY helper.
//
// Each message is one ASCII line of the form "<cols>x<rows>\n" where both
// values are positive decimal integers. There are no other message types and
// the helper never answers.
package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidMessage is returned for lines that are not "<cols>x<rows>".
var ErrInvalidMessage = errors.New("invalid resize message")

// maxLine bounds a single control line; anything longer is garbage.
const maxLine = 64

// ResizeMessage carries the window size the PTY should be set to.
type ResizeMessage struct {
	Cols int
	Rows int
}

// Valid reports whether both dimensions are positive.
func (m ResizeMessage) Valid() bool {
	return m.Cols > 0 && m.Rows > 0
}

// String returns the wire form without the trailing newline.
func (m ResizeMessage) String() string {
	return strconv.Itoa(m.Cols) + "x" + strconv.Itoa(m.Rows)
}

// MarshalText encodes the message as a complete control line.
func (m ResizeMessage) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidMessage, m.Cols, m.Rows)
	}
	return []byte(m.String() + "\n"), nil
}

// Parse decodes a single control line. Surrounding whitespace, including the
// line terminator, is ignored.
func Parse(line string) (ResizeMessage, error) {
	line = strings.TrimSpace(line)
	c, r, ok := strings.Cut(line, "x")
	if !ok {
		return ResizeMessage{}, fmt.Errorf("%w: %q", ErrInvalidMessage, line)
	}
	cols, err := strconv.Atoi(c)
	if err != nil {
		return ResizeMessage{}, fmt.Errorf("%w: %q", ErrInvalidMessage, line)
	}
	rows, err := strconv.Atoi(r)
	if err != nil {
		return ResizeMessage{}, fmt.Errorf("%w: %q", ErrInvalidMessage, line)
	}
	m := ResizeMessage{Cols: cols, Rows: rows}
	if !m.Valid() || cols > math.MaxUint16 || rows > math.MaxUint16 {
		return ResizeMessage{}, fmt.Errorf("%w: %q", ErrInvalidMessage, line)
	}
	return m, nil
}

// FromProposal converts a widget's proposed dimensions into the size sent to
// the PTY. margin columns are reserved for the widget's scrollbar and the
// result is floored at one column. ok is false when either proposed value is
// NaN, infinite, or below one after truncation; callers must then skip the
// resize entirely.
func FromProposal(cols, rows float64, margin int) (msg ResizeMessage, widgetCols, widgetRows int, ok bool) {
	if !usable(cols) || !usable(rows) {
		return ResizeMessage{}, 0, 0, false
	}
	widgetCols, widgetRows = int(cols), int(rows)
	ptyCols := widgetCols - margin
	if ptyCols < 1 {
		ptyCols = 1
	}
	return ResizeMessage{Cols: ptyCols, Rows: widgetRows}, widgetCols, widgetRows, true
}

func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 1 && v <= math.MaxUint16
}

// Writer serialises resize messages onto a control stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps the write end of the control channel.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send writes one resize line.
func (cw *Writer) Send(m ResizeMessage) error {
	b, err := m.MarshalText()
	if err != nil {
		return err
	}
	_, err = cw.w.Write(b)
	return err
}

// Reader yields resize messages from the read end of the control channel.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps the read end of the control channel.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, maxLine), maxLine*16)
	return &Reader{sc: sc}
}

// Next returns the next well-formed message, skipping malformed lines. It
// returns io.EOF once the stream is exhausted.
func (cr *Reader) Next() (ResizeMessage, error) {
	for cr.sc.Scan() {
		m, err := Parse(cr.sc.Text())
		if err != nil {
			continue
		}
		return m, nil
	}
	if err := cr.sc.Err(); err != nil {
		return ResizeMessage{}, err
	}
	return ResizeMessage{}, io.EOF
}
