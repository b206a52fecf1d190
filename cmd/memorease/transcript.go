package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"memorease/internal/domain"
)

func newTranscriptCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print the durable conversation",
		Long:  `Print every saved turn of the conversation as yaml, json or text.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := transcriptEncoder(format); err != nil {
				return err
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

			snap, err := a.Backend.Snapshot(cmd.Context(), session.ConversationID)
			if err != nil {
				return err
			}
			return writeTranscript(cmd.OutOrStdout(), snap, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml, json or text")
	return cmd
}

func writeTranscript(w io.Writer, snap domain.Snapshot, format string) error {
	enc, err := transcriptEncoder(format)
	if err != nil {
		return err
	}
	if snap.Turns == nil {
		snap.Turns = []domain.Turn{}
	}
	return enc(w, snap)
}

func transcriptEncoder(format string) (func(io.Writer, domain.Snapshot) error, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		return func(w io.Writer, snap domain.Snapshot) error {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(snap); err != nil {
				return fmt.Errorf("encode yaml: %w", err)
			}
			return enc.Close()
		}, nil
	case "json":
		return func(w io.Writer, snap domain.Snapshot) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}, nil
	case "text", "txt":
		return func(w io.Writer, snap domain.Snapshot) error {
			for _, t := range snap.Turns {
				if _, err := fmt.Fprintf(w, "%d %s %s: %s\n", t.Seq, t.CreatedAt.Format("2006-01-02 15:04"), label(t.Speaker), t.Text); err != nil {
					return err
				}
			}
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q (must be yaml, json or text)", format)
	}
}
