// Package repl implements the interactive console: a line-oriented loop
// that dispatches slash commands locally and everything else to the
// reasoning engine, streaming the response as live-rendered markdown.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"persona/internal/agent"
	"persona/internal/logging"
	"persona/internal/session"
)

// Engine runs one agent turn. The returned channel delivers the ordered
// event stream; the closure blocks until the turn settles and yields the
// finalized history.
type Engine interface {
	Turn(ctx context.Context, history session.History, input string) (<-chan agent.Event, func() (session.History, session.Usage, error))
}

// Options wires a Loop.
type Options struct {
	Engine    Engine
	Store     *session.Store
	Render    RenderFunc
	In        io.Reader
	Out       io.Writer
	Interrupt *InterruptFlag
	// MountLabel is shown in the prompt, e.g. "mnt" or "no-mnt".
	MountLabel string
}

// Loop owns the conversation state: the committed history, the active
// session name, and the usage counter shown in the prompt.
type Loop struct {
	engine     Engine
	store      *session.Store
	render     RenderFunc
	in         io.Reader
	out        io.Writer
	interrupt  *InterruptFlag
	mountLabel string

	sessionName string
	history     session.History
	usage       session.Usage
}

// New builds a Loop starting on the reserved latest session.
func New(opts Options) *Loop {
	return &Loop{
		engine:      opts.Engine,
		store:       opts.Store,
		render:      opts.Render,
		in:          opts.In,
		out:         opts.Out,
		interrupt:   opts.Interrupt,
		mountLabel:  opts.MountLabel,
		sessionName: session.LatestName,
	}
}

// History returns the committed conversation history.
func (l *Loop) History() session.History { return l.history }

// SessionName returns the active session name.
func (l *Loop) SessionName() string { return l.sessionName }

// Run drives the loop until /exit, EOF, or context cancellation. Input
// is read on a dedicated goroutine so a signal can preempt the wait.
func (l *Loop) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(l.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(l.out, l.promptLine())
		select {
		case <-ctx.Done():
			fmt.Fprintln(l.out)
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(l.out)
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			l.recordInput(line)
			if cmd, isCmd := parseCommand(line); isCmd {
				if exit := l.dispatchCommand(cmd); exit {
					return nil
				}
				continue
			}
			l.runTurn(ctx, line)
		}
	}
}

func (l *Loop) promptLine() string {
	p := fmt.Sprintf("persona [%s] [%d tokens] [%s] ➤ ",
		l.sessionName, l.usage.Total(), l.mountLabel)
	return promptStyle.Render(p)
}

func (l *Loop) recordInput(line string) {
	if err := l.store.MergeInputHistory(l.sessionName, []string{line}); err != nil {
		logging.SessionDebug("input history: %v", err)
	}
}

// runTurn streams one agent turn to the terminal. The committed history
// is replaced only when the turn ends normally; interrupts and errors
// leave it untouched.
func (l *Loop) runTurn(ctx context.Context, input string) {
	l.interrupt.Clear()
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, result := l.engine.Turn(turnCtx, l.history, input)
	live := newLiveMarkdown(l.out, l.render)

	waiting := true
	fmt.Fprint(l.out, statusStyle.Render("… thinking"))
	clearStatus := func() {
		if waiting {
			waiting = false
			fmt.Fprint(l.out, "\r\x1b[2K")
		}
	}

	interrupted := false
	for ev := range events {
		if l.interrupt.IsSet() {
			interrupted = true
			cancel()
			break
		}
		clearStatus()
		switch ev.Kind {
		case agent.TextDelta:
			live.Append(ev.Text)
		case agent.ToolCallStarted:
			// A tool call breaks the text stream; commit what rendered
			// so far and start a fresh surface after the tool line.
			live.Finish()
			fmt.Fprintln(l.out, toolLine(ev))
		case agent.TurnEnd:
			live.Finish()
		}
	}

	if interrupted {
		for range events {
		}
		clearStatus()
		live.Discard()
		fmt.Fprintln(l.out, infoStyle.Render("Interrupted."))
		logging.Repl("turn interrupted, history unchanged")
		return
	}

	history, usage, err := result()
	if err != nil {
		clearStatus()
		live.Finish()
		fmt.Fprintln(l.out, errorStyle.Render("Error: "+err.Error()))
		logging.EngineError("turn failed: %v", err)
		return
	}

	l.history = history
	if usage.Total() > 0 {
		l.usage = usage
	}
	if err := l.store.SaveLatest(l.history); err != nil {
		logging.SessionDebug("autosave: %v", err)
	}
}

// toolLine formats a tool invocation for display, pulling the headline
// argument out of the call payload.
func toolLine(ev agent.Event) string {
	arg := func(key string) string {
		var m map[string]json.RawMessage
		if json.Unmarshal(ev.ToolArgs, &m) != nil {
			return ""
		}
		var s string
		if json.Unmarshal(m[key], &s) != nil {
			return ""
		}
		return s
	}

	switch ev.ToolName {
	case "run_cmd":
		return cmdStyle.Render("[CMD] " + arg("cmd"))
	case "save_text_file":
		return fileStyle.Render("[FILE] " + arg("path"))
	case "load_skill":
		return skillStyle.Render("[SKILL] " + arg("skill"))
	default:
		return toolStyle.Render("[TOOL] " + ev.ToolName)
	}
}

func (l *Loop) dispatchCommand(cmd command) (exit bool) {
	switch cmd.name {
	case "exit", "quit":
		fmt.Fprintln(l.out, infoStyle.Render("Goodbye."))
		return true

	case "help":
		fmt.Fprintln(l.out, helpText)

	case "clear":
		fmt.Fprint(l.out, "\x1b[2J\x1b[H")

	case "new":
		l.history = nil
		l.usage = session.Usage{}
		l.sessionName = session.LatestName
		fmt.Fprintln(l.out, infoStyle.Render("Started a new session."))

	case "save":
		if len(l.history) == 0 {
			fmt.Fprintln(l.out, infoStyle.Render("No conversation to save."))
			return false
		}
		name, err := l.store.Save(l.history, cmd.arg)
		if err != nil {
			fmt.Fprintln(l.out, errorStyle.Render("Could not save session: "+err.Error()))
			return false
		}
		if name != l.sessionName {
			// Carry the typed-input log over to the new name.
			if lines, lerr := l.store.LoadInputHistory(l.sessionName); lerr == nil {
				_ = l.store.MergeInputHistory(name, lines)
			}
		}
		l.sessionName = name
		fmt.Fprintln(l.out, infoStyle.Render("Saved session as "+name))

	case "load":
		if cmd.arg == "" {
			fmt.Fprintln(l.out, infoStyle.Render("Usage: /load <name>"))
			return false
		}
		h, err := l.store.Load(cmd.arg)
		switch {
		case errors.Is(err, session.ErrNotFound):
			fmt.Fprintln(l.out, errorStyle.Render("No session named "+cmd.arg+"."))
			return false
		case errors.Is(err, session.ErrCorrupt):
			fmt.Fprintln(l.out, errorStyle.Render("Session "+cmd.arg+" is corrupt and cannot be loaded."))
			return false
		case err != nil:
			fmt.Fprintln(l.out, errorStyle.Render("Could not load session: "+err.Error()))
			return false
		}
		l.history = h
		l.sessionName = cmd.arg
		l.usage = h.LastUsage()
		fmt.Fprintf(l.out, "%s\n", infoStyle.Render(fmt.Sprintf("Loaded session %s (%d messages).", cmd.arg, len(h))))

	case "list":
		names, err := l.store.List()
		if err != nil {
			fmt.Fprintln(l.out, errorStyle.Render("Could not list sessions: "+err.Error()))
			return false
		}
		if len(names) == 0 {
			fmt.Fprintln(l.out, infoStyle.Render("No saved sessions."))
			return false
		}
		for _, name := range names {
			fmt.Fprintln(l.out, "  "+name)
		}

	default:
		fmt.Fprintln(l.out, infoStyle.Render("Unknown command: /"+cmd.name+". Type /help for commands."))
	}
	return false
}
