package table

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/taleclaw/pkg/session"
)

// Table is the part of a node the console drives.
type Table interface {
	IssueCommand(ctx context.Context, text string) (string, error)
	SendChat(ctx context.Context, text string) error
	SpawnAutomated(ctx context.Context, name, persona string) (string, error)
	Save(ctx context.Context, slot string) error
	Load(ctx context.Context, slot string) error
	Session() (session.Session, bool)
	Identity() string
}

// Dispatch performs one parsed input and reports whether the console should
// exit.
func Dispatch(ctx context.Context, t Table, in Input, out io.Writer) bool {
	switch in.Action {
	case ActQuit:
		return true
	case ActHelp:
		fmt.Fprintln(out, helpText)
	case ActCommand:
		if _, err := t.IssueCommand(ctx, in.Text); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	case ActSay:
		if err := t.SendChat(ctx, in.Text); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	case ActSpawn:
		id, err := t.SpawnAutomated(ctx, in.Name, in.Persona)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			return false
		}
		fmt.Fprintf(out, "* %s takes a seat (%s)\n", in.Name, id)
	case ActSave:
		if err := t.Save(ctx, in.Slot); err != nil {
			fmt.Fprintf(out, "! save failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "* Saved to %s\n", in.Slot)
	case ActLoad:
		if err := t.Load(ctx, in.Slot); err != nil {
			fmt.Fprintf(out, "! load failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "* Loaded %s\n", in.Slot)
	case ActWho, ActInventory:
		s, ok := t.Session()
		if !ok {
			fmt.Fprintln(out, "Waiting for the host...")
			return false
		}
		if in.Action == ActWho {
			RenderRoster(out, s)
		} else {
			RenderInventory(out, s, t.Identity())
		}
	}
	return false
}

// Handle parses and dispatches one raw line.
func Handle(ctx context.Context, t Table, line string, out io.Writer) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	in, err := ParseInput(line)
	if err != nil {
		fmt.Fprintf(out, "! %v\n", err)
		return false
	}
	return Dispatch(ctx, t, in, out)
}

// Interactive reads lines until /quit, EOF, Ctrl+C or ctx cancellation.
// While it runs, r writes through readline so events do not garble the
// prompt.
func Interactive(ctx context.Context, t Table, r *Renderer, prompt string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".taleclaw_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		Simple(ctx, t, os.Stdin, os.Stdout, prompt)
		return
	}
	defer rl.Close()
	r.SetOutput(rl.Stdout())

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if Handle(ctx, t, line, rl.Stdout()) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

// Simple is the line-buffered fallback when no terminal is available.
func Simple(ctx context.Context, t Table, in io.Reader, out io.Writer, prompt string) {
	reader := bufio.NewReader(in)
	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprint(out, prompt)
		line, err := reader.ReadString('\n')
		if line != "" && Handle(ctx, t, line, out) {
			fmt.Fprintln(out, "Goodbye!")
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(out, "Error reading input: %v\n", err)
			}
			fmt.Fprintln(out, "\nGoodbye!")
			return
		}
	}
}
