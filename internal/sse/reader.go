package sse

import (
	"bufio"
	"io"
	"strings"

	"github.com/chadiek/avatar-runtime/internal/event"
)

const maxLine = 1 << 20

// Reader decodes events from a text/event-stream body.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{scanner: sc}
}

// Next returns the next event. Comment frames are skipped, and frames with an unknown
// event name are reported as event.ErrUnknownKind. It returns io.EOF at end of stream.
func (r *Reader) Next() (event.Event, error) {
	var (
		name    string
		data    []string
		hasData bool
	)
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if !hasData {
				name = ""
				continue
			}
			if name == "" {
				name = "message"
			}
			return event.Decode(event.Kind(name), []byte(strings.Join(data, "\n")))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = strings.TrimSpace(value)
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if hasData {
		if name == "" {
			name = "message"
		}
		return event.Decode(event.Kind(name), []byte(strings.Join(data, "\n")))
	}
	return nil, io.EOF
}
