package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"memorease/internal/conversation"
	"memorease/internal/domain"
	"memorease/internal/usecase"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start a text conversation",
		Long: `Read questions from standard input, one per line, and print the
conversation as it changes. Type /resend <id> to retry a turn that was not
saved and /quit to leave.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			session, err := opts.session()
			if err != nil {
				return err
			}
			a, logger, err := opts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			printer := newViewPrinter(cmd.OutOrStdout())
			store, err := a.Watch(session.ConversationID, printer.Print)
			if err != nil {
				return err
			}
			if err := a.Greet(ctx, session.ConversationID); err != nil {
				logger.Warn().Err(err).Msg("could not seed greeting")
			}
			printer.Print(store.View())

			return chatLoop(cmd.InOrStdin(), cmd.ErrOrStderr(), func(line string) error {
				if id, ok := strings.CutPrefix(line, "/resend "); ok {
					_, err := store.Resend(ctx, strings.TrimSpace(id))
					return err
				}
				_, err := a.Assistant.SubmitTurn(ctx, usecase.TurnInput{Session: session, Text: line, Origin: usecase.OriginText})
				return err
			})
		},
	}
}

// chatLoop feeds every input line to submit until EOF or /quit. Submit
// errors are reported and the loop continues.
func chatLoop(in io.Reader, errOut io.Writer, submit func(line string) error) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" {
			return nil
		}
		if line == "" {
			continue
		}
		if err := submit(line); err != nil {
			var ue *usecase.Error
			if errors.As(err, &ue) && ue.Code == usecase.ErrorPersistence {
				fmt.Fprintln(errOut, "some turns were not saved; use /resend <id> to retry")
				continue
			}
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

// viewPrinter writes each turn once, and again when it becomes not saved.
type viewPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	version uint64
	shown   map[string]conversation.Status
}

func newViewPrinter(w io.Writer) *viewPrinter {
	return &viewPrinter{w: w, shown: make(map[string]conversation.Status)}
}

func (p *viewPrinter) Print(v conversation.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.Version < p.version {
		return
	}
	p.version = v.Version
	for _, t := range v.Turns {
		prev, seen := p.shown[t.ID]
		p.shown[t.ID] = t.Status
		switch {
		case !seen:
			fmt.Fprintf(p.w, "%s: %s\n", label(t.Speaker), t.Text)
			if t.Status == conversation.StatusNotSaved {
				fmt.Fprintf(p.w, "  (not saved, id %s)\n", t.ID)
			}
		case prev != conversation.StatusNotSaved && t.Status == conversation.StatusNotSaved:
			fmt.Fprintf(p.w, "  (not saved, id %s)\n", t.ID)
		}
	}
}

func label(s domain.Speaker) string {
	if s == domain.SpeakerAssistant {
		return "memorease"
	}
	return "you"
}
