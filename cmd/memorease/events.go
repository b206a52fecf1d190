package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"memorease/internal/domain"
	"memorease/internal/usecase"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Log and list the events the assistant answers from",
	}
	cmd.AddCommand(newEventsAddCmd(opts), newEventsListCmd(opts))
	return cmd
}

func newEventsAddCmd(opts *rootOptions) *cobra.Command {
	var e domain.LoggedEvent
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Log an event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e.Text = strings.TrimSpace(e.Text)
			if e.Text == "" {
				return errors.New("--text is required")
			}
			session, err := opts.session()
			if err != nil {
				return err
			}
			a, _, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			e.ID = uuid.NewString()
			e.CreatedAt = time.Now().UTC()
			if e.Timestamp == "" {
				e.Timestamp = e.CreatedAt.Local().Format("Jan 2 15:04")
			}
			if err := a.Backend.PutEvent(cmd.Context(), session.UserID, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged %s\n", e.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&e.Text, "text", "", "What happened")
	cmd.Flags().StringVar(&e.Timestamp, "time", "", "Display time (default now)")
	cmd.Flags().StringVar(&e.LocationLabel, "location", "", "Where it happened")
	cmd.Flags().StringVar(&e.ImageRef, "image", "", "Image URL")
	return cmd
}

func newEventsListCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the logged events as the assistant sees them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := opts.session()
			if err != nil {
				return err
			}
			a, _, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.Backend.ListEvents(cmd.Context(), session.UserID)
			if err != nil {
				return err
			}
			l := usecase.ContextLimit{MaxEvents: a.Config.Context.MaxEvents, MaxBytes: a.Config.Context.MaxBytes}
			if limit > 0 {
				l.MaxEvents = limit
			}
			text := usecase.BuildContext(events, l)
			if text == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing logged yet")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n of the most recent events")
	return cmd
}
