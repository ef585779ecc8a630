package repl

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// RenderFunc turns accumulated markdown into terminal output. Production
// wiring uses a glamour TermRenderer; tests inject a plain function.
type RenderFunc func(markdown string) (string, error)

// liveMarkdown paints a growing markdown buffer in place. Each repaint
// erases the previous paint with an ANSI cursor-up sequence and renders
// the whole buffer again, so partially-streamed constructs (tables, code
// fences) settle into their final shape as text arrives.
type liveMarkdown struct {
	out      io.Writer
	render   RenderFunc
	throttle time.Duration

	buf       strings.Builder
	lastLines int
	lastPaint time.Time
}

func newLiveMarkdown(out io.Writer, render RenderFunc) *liveMarkdown {
	return &liveMarkdown{out: out, render: render, throttle: 50 * time.Millisecond}
}

// Append adds a streamed chunk and repaints, throttled so bursts of tiny
// deltas do not thrash the terminal.
func (lm *liveMarkdown) Append(chunk string) {
	lm.buf.WriteString(chunk)
	if time.Since(lm.lastPaint) < lm.throttle {
		return
	}
	lm.repaint()
}

// Finish paints the final state and commits it: the next Append starts a
// fresh surface below. Used both at turn end and when a tool call
// interleaves with the text stream.
func (lm *liveMarkdown) Finish() {
	if lm.buf.Len() == 0 {
		return
	}
	lm.repaint()
	lm.buf.Reset()
	lm.lastLines = 0
	lm.lastPaint = time.Time{}
}

// Discard erases the current paint without committing it. Used on
// interrupt so abandoned output does not linger on screen.
func (lm *liveMarkdown) Discard() {
	lm.erase()
	lm.buf.Reset()
	lm.lastLines = 0
	lm.lastPaint = time.Time{}
}

func (lm *liveMarkdown) repaint() {
	rendered, err := lm.render(lm.buf.String())
	if err != nil {
		// Fall back to the raw text; rendering failures must not eat
		// model output.
		rendered = lm.buf.String()
	}
	lm.erase()
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	fmt.Fprint(lm.out, rendered)
	lm.lastLines = strings.Count(rendered, "\n")
	lm.lastPaint = time.Now()
}

func (lm *liveMarkdown) erase() {
	if lm.lastLines > 0 {
		fmt.Fprintf(lm.out, "\x1b[%dA\x1b[0J", lm.lastLines)
	}
}
