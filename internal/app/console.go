package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/lingo/internal/session"
	"github.com/MrWong99/lingo/internal/transcript"
)

// ErrQuit is returned by [Console.Serve] when the user quits or input ends.
var ErrQuit = errors.New("app: quit")

// meterWidth is the number of cells in the loudness bar.
const meterWidth = 20

const helpText = `commands:
  start   connect and start talking (alias: s)
  stop    end the conversation (alias: x)
  status  show the session state
  quit    stop and exit (alias: q)`

// Controls is the subset of [session.Controller] the console drives.
type Controls interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() session.State
}

var _ Controls = (*session.Controller)(nil)

// Console renders session events as text and turns typed commands into
// session operations. Output methods are safe for concurrent use.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	// cells is the width of the meter currently drawn, or -1 when the
	// cursor is at the start of a clean line.
	cells int
}

// NewConsole returns a Console writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, cells: -1}
}

// Callbacks returns session callbacks that print to the console.
func (c *Console) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnOpen:  func() { c.Println("connected. Start speaking.") },
		OnClose: func() { c.Println("disconnected.") },
		OnError: func(msg string) { c.Println("error: " + msg) },
		OnTranscript: func(speaker transcript.Speaker, text string) {
			c.Println(speakerLabel(speaker) + ": " + text)
		},
		OnVolumeChange: c.Meter,
	}
}

func speakerLabel(s transcript.Speaker) string {
	if s == transcript.SpeakerUser {
		return "You"
	}
	return "Lingo"
}

// Println writes line on its own row, clearing the meter first.
func (c *Console) Println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintln(c.out, line)
}

// Meter redraws the loudness bar for level in [0, 100]. Unchanged bars are
// not redrawn.
func (c *Console) Meter(level float64) {
	cells := meterCells(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cells == c.cells {
		return
	}
	c.cells = cells
	fmt.Fprint(c.out, "\r"+meter(cells))
}

func (c *Console) clearLocked() {
	if c.cells < 0 {
		return
	}
	fmt.Fprint(c.out, "\r"+strings.Repeat(" ", meterWidth+2)+"\r")
	c.cells = -1
}

func meterCells(level float64) int {
	switch {
	case level <= 0:
		return 0
	case level >= 100:
		return meterWidth
	}
	return int(level * meterWidth / 100)
}

func meter(cells int) string {
	return "[" + strings.Repeat("#", cells) + strings.Repeat(" ", meterWidth-cells) + "]"
}

// Serve reads commands from in until ctx is done, the user quits, or in
// ends. It returns [ErrQuit] for the latter two and nil when ctx ends.
//
// Connect runs in the background so that a stop typed while connecting
// cancels the attempt. The attempt does not watch ctx: when ctx ends, Serve
// disconnects, so an interrupted connect is reported as a close.
func (c *Console) Serve(ctx context.Context, in io.Reader, ctrl Controls) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.Println(`lingo ready. Type "start" to begin or "help" for commands.`)
	for {
		select {
		case <-ctx.Done():
			return ctrl.Disconnect(context.WithoutCancel(ctx))
		case line, ok := <-lines:
			if !ok {
				return ErrQuit
			}
			if err := c.command(ctx, strings.TrimSpace(line), ctrl); err != nil {
				return err
			}
		}
	}
}

func (c *Console) command(ctx context.Context, cmd string, ctrl Controls) error {
	switch strings.ToLower(cmd) {
	case "":
	case "start", "s":
		go func() {
			err := ctrl.Connect(context.WithoutCancel(ctx))
			if errors.Is(err, session.ErrAlreadyActive) {
				c.Println("already connected.")
			}
		}()
	case "stop", "x":
		return ctrl.Disconnect(ctx)
	case "status":
		c.Println("session: " + ctrl.State().String())
	case "help", "?":
		c.Println(helpText)
	case "quit", "q", "exit":
		return ErrQuit
	default:
		c.Println(fmt.Sprintf("unknown command %q; type help", cmd))
	}
	return nil
}
