// Package prompt asks the operator questions on the controlling terminal.
package prompt

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// ErrNoTerminal is returned when a question is asked without a terminal to
// answer it on.
var ErrNoTerminal = errors.New("no terminal available for interactive prompt")

// Confirmer answers yes/no questions.
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Fixed answers every question the same way.
type Fixed bool

func (f Fixed) Confirm(context.Context, string) (bool, error) { return bool(f), nil }

// Terminal prompts on in, drawing on out.
type Terminal struct {
	in  *os.File
	out io.Writer
	// accessible falls back to plain line-based prompts for screen readers
	// and dumb terminals.
	accessible bool
}

func NewTerminal(in *os.File, out io.Writer) *Terminal {
	return &Terminal{
		in:         in,
		out:        out,
		accessible: os.Getenv("ACCESSIBLE") != "" || os.Getenv("TERM") == "dumb",
	}
}

// Interactive reports whether in is a terminal.
func (t *Terminal) Interactive() bool {
	return t.in != nil && term.IsTerminal(int(t.in.Fd()))
}

// Confirm asks question and defaults to no. Interrupting the prompt is a no.
func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	if !t.Interactive() {
		return false, xerrors.Wrapf(ErrNoTerminal, "confirm %q", question)
	}
	var ok bool
	field := huh.NewConfirm().
		Title(question).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if err := t.run(ctx, field); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, xerrors.Wrap(err, "confirm prompt")
	}
	return ok, nil
}

// Password reads a secret without echo.
func (t *Terminal) Password(ctx context.Context, title string) (string, error) {
	if !t.Interactive() {
		return "", xerrors.Wrapf(ErrNoTerminal, "read %s", title)
	}
	var s string
	field := huh.NewInput().
		Title(title).
		EchoMode(huh.EchoModePassword).
		Validate(func(v string) error {
			if v == "" {
				return errors.New("required")
			}
			return nil
		}).
		Value(&s)
	if err := t.run(ctx, field); err != nil {
		return "", xerrors.Wrap(err, "password prompt")
	}
	return s, nil
}

func (t *Terminal) run(ctx context.Context, field huh.Field) error {
	form := huh.NewForm(huh.NewGroup(field)).
		WithInput(t.in).
		WithOutput(t.out).
		WithShowHelp(false).
		WithAccessible(t.accessible)
	return form.RunWithContext(ctx)
}
