package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"doverie/internal/models"
	"doverie/internal/router"
	"doverie/internal/session"
)

// REPL is the line-oriented terminal surface. It drives the session the
// same way a bot or bridge embedding the library would.
type REPL struct {
	session *session.Session
	router  *router.Router
	out     io.Writer
	log     zerolog.Logger
}

func NewREPL(s *session.Session, r *router.Router, out io.Writer, log zerolog.Logger) *REPL {
	if out == nil {
		out = os.Stdout
	}
	return &REPL{
		session: s,
		router:  r,
		out:     out,
		log:     log.With().Str("component", "repl").Logger(),
	}
}

// Run reads commands from stdin until EOF, "quit" or context
// cancellation.
func (r *REPL) Run(ctx context.Context) error {
	r.session.OnMessage(func(m models.Message) {
		if m.FromUserID != r.session.Viewer().UserID {
			fmt.Fprintf(r.out, "\n[%s] %d: %s\n> ", m.DialogID, m.FromUserID, m.Text)
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(r.out, `Type "help" for commands.`)
	for {
		fmt.Fprint(r.out, "> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.exec(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *REPL) exec(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		fmt.Fprint(r.out, `dialogs                 list dialogs
open <id>               open a dialog and load history
close                   close the current dialog
send <text>             send a message
file <path> [caption]   send a file
edit <msgId> <text>     edit a message
rm <msgId>              delete a message
react <msgId> <emoji>   toggle a reaction
read                    mark visible messages as read
typing                  signal that you are typing
more                    load older messages
visible on|off          toggle the visibility signal
quit                    exit
`)
	case "dialogs":
		for _, d := range r.session.Dialogs() {
			marker := " "
			if d.ID == r.session.ActiveDialog() {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %-24s %-20s unread=%d %s\n",
				marker, d.ID, d.DisplayTitle(), d.Unread(), preview(d.LastMessage))
		}
	case "open":
		if rest == "" {
			return false, fmt.Errorf("usage: open <id>")
		}
		r.session.OpenDialog(ctx, rest)
		for _, m := range r.session.MessagesFor(rest) {
			r.printMessage(m)
		}
	case "close":
		r.session.CloseDialog()
	case "send":
		return false, r.requireActive(func(id string) error {
			_, err := r.session.SendMessage(ctx, session.SendInput{DialogID: id, Text: rest})
			return err
		})
	case "file":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return false, fmt.Errorf("usage: file <path> [caption]")
		}
		return false, r.requireActive(func(id string) error {
			_, err := r.session.SendMessage(ctx, session.SendInput{
				DialogID: id,
				Text:     strings.TrimSpace(caption),
				Files:    []session.Upload{{Path: path}},
			})
			return err
		})
	case "edit":
		msgID, text, _ := strings.Cut(rest, " ")
		if msgID == "" || strings.TrimSpace(text) == "" {
			return false, fmt.Errorf("usage: edit <msgId> <text>")
		}
		return false, r.requireActive(func(id string) error {
			return r.session.EditMessage(ctx, id, msgID, strings.TrimSpace(text))
		})
	case "rm":
		if rest == "" {
			return false, fmt.Errorf("usage: rm <msgId>")
		}
		return false, r.requireActive(func(id string) error {
			return r.session.DeleteMessage(ctx, id, rest)
		})
	case "react":
		msgID, emoji, _ := strings.Cut(rest, " ")
		if msgID == "" || emoji == "" {
			return false, fmt.Errorf("usage: react <msgId> <emoji>")
		}
		return false, r.requireActive(func(id string) error {
			return r.session.ReactToMessage(ctx, session.ReactInput{
				DialogID:  id,
				MessageID: msgID,
				Emoji:     emoji,
			})
		})
	case "read":
		return false, r.requireActive(func(id string) error {
			var ids []string
			for _, m := range r.session.MessagesFor(id) {
				ids = append(ids, m.Key())
			}
			r.session.MarkMessagesRead(ctx, id, ids)
			return nil
		})
	case "typing":
		return false, r.requireActive(func(id string) error {
			r.session.NotifyTyping(id)
			return nil
		})
	case "more":
		return false, r.requireActive(func(id string) error {
			return r.session.LoadMessages(ctx, id, true)
		})
	case "visible":
		r.router.SetVisible(rest != "off")
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func (r *REPL) requireActive(fn func(dialogID string) error) error {
	active := r.session.ActiveDialog()
	if active == "" {
		return fmt.Errorf("no dialog open")
	}
	return fn(active)
}

func (r *REPL) printMessage(m models.Message) {
	var flags []string
	if m.Status == models.StatusPending {
		flags = append(flags, "sending")
	}
	if m.Status == models.StatusFailed {
		flags = append(flags, "failed")
	}
	if m.Edited {
		flags = append(flags, "edited")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " (" + strings.Join(flags, ", ") + ")"
	}
	fmt.Fprintf(r.out, "%s %-12s %d: %s%s\n",
		m.CreatedAt.Format(time.TimeOnly), m.Key(), m.FromUserID, m.Text, suffix)
}

func preview(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
