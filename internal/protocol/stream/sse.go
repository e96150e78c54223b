package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Event is one parsed SSE frame. Name is the "event:" field, empty for
// bare data frames; Data is the joined "data:" payload.
type Event struct {
	Name string
	Data []byte
}

// IsDone reports the OpenAI terminal sentinel.
func (e Event) IsDone() bool {
	return strings.TrimSpace(string(e.Data)) == "[DONE]"
}

// Scanner reads SSE frames off an upstream body one at a time.
type Scanner struct {
	s *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{s: s}
}

// Next returns the next frame, or io.EOF when the body is exhausted. An
// unterminated trailing frame is still delivered before EOF.
func (s *Scanner) Next() (Event, error) {
	var (
		ev        Event
		dataLines []string
		started   bool
	)
	for s.s.Scan() {
		line := s.s.Text()
		if line == "" {
			if started {
				ev.Data = []byte(strings.Join(dataLines, "\n"))
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			ev.Name = strings.TrimSpace(name)
			started = true
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
			started = true
			continue
		}
		// id:, retry: and unknown fields are ignored.
	}
	if err := s.s.Err(); err != nil {
		return Event{}, err
	}
	if started {
		ev.Data = []byte(strings.Join(dataLines, "\n"))
		return ev, nil
	}
	return Event{}, io.EOF
}

// emitter writes client-side SSE frames, flushing after each one.
type emitter struct {
	w      io.Writer
	f      http.Flusher
	frames int
}

func newEmitter(w io.Writer) *emitter {
	e := &emitter{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.f = f
	}
	return e
}

func (e *emitter) writeRaw(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if e.f != nil {
		e.f.Flush()
	}
	e.frames++
	return nil
}

func (e *emitter) data(payload []byte) error {
	var b strings.Builder
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return e.writeRaw([]byte(b.String()))
}

func (e *emitter) dataJSON(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("marshal stream frame: %v", err)
		return nil
	}
	return e.data(raw)
}

func (e *emitter) event(name string, payload []byte) error {
	if name == "" {
		return e.data(payload)
	}
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteString("\n")
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return e.writeRaw([]byte(b.String()))
}

func (e *emitter) eventJSON(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("marshal stream event %s: %v", name, err)
		return nil
	}
	return e.event(name, raw)
}

func (e *emitter) done() error {
	return e.data([]byte("[DONE]"))
}
