// Package stream bridges upstream SSE bodies onto the client's streaming
// grammar. Four directions exist: same-protocol pairs forward frames with
// usage adjustments, cross-protocol pairs translate frame by frame. Frames
// are re-emitted as they arrive, never buffered beyond the one being
// processed, and once anything has been written to the client a failure is
// reported in-band as an error frame instead of surfacing as an error.
package stream

import (
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/protocol"
)

// Options carries the per-request knobs of a bridge run.
type Options struct {
	// Model is echoed into synthesized envelopes. It carries the name the
	// client asked for, which may differ from the model the upstream saw.
	Model string

	// ScaleFactor rescales usage counts into the client's window. Zero
	// means identity.
	ScaleFactor float64

	// Watchdog, when set, is invoked once per upstream frame so the
	// caller can reset its read-silence timer.
	Watchdog func()
}

func (o Options) factor() float64 {
	if o.ScaleFactor == 0 {
		return 1
	}
	return o.ScaleFactor
}

func (o Options) tick() {
	if o.Watchdog != nil {
		o.Watchdog()
	}
}

// Result reports what one bridged stream produced. Usage is the last
// usage observed from the upstream, in upstream units and Anthropic
// shape regardless of direction.
type Result struct {
	Usage     protocol.Usage
	SawUsage  bool
	Frames    int
	Completed bool
}

func openAIErrorFrame(err error) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "connection_error",
		},
	}
}

func anthropicErrorFrame(err error) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"message": err.Error(),
			"type":    "connection_error",
		},
	}
}

// failOpenAI reports a mid-stream failure in the OpenAI grammar. Write
// errors are ignored; the connection is already beyond repair.
func failOpenAI(e *emitter, err error) {
	logrus.Warnf("stream interrupted after %d frames: %v", e.frames, err)
	if werr := e.dataJSON(openAIErrorFrame(err)); werr != nil {
		return
	}
	_ = e.done()
}

// failAnthropic is failOpenAI for Anthropic-grammar clients.
func failAnthropic(e *emitter, err error) {
	logrus.Warnf("stream interrupted after %d frames: %v", e.frames, err)
	if werr := e.eventJSON("error", anthropicErrorFrame(err)); werr != nil {
		return
	}
	_ = e.done()
}
