package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"memorease/internal/app"
	"memorease/internal/config"
	"memorease/internal/domain"
	"memorease/internal/logging"
)

type rootOptions struct {
	configPath     string
	userID         string
	conversationID string
	verbose        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "memorease",
		Short: "Talk to the Memorease assistant about your logged events",
		Long: `Memorease answers questions about events you have logged, such as
where you left your keys or whether you took your medication.

Quick Start:
  memorease events add --text "Put keys on table" --time 10:00 --location Kitchen
  memorease chat                          # text conversation
  memorease voice --audio question.wav    # spoken question, spoken reply
  memorease transcript --format yaml      # dump the conversation`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file (default ./memorease.yaml)")
	cmd.PersistentFlags().StringVarP(&opts.userID, "user", "u", "local", "User id owning the logged events")
	cmd.PersistentFlags().StringVar(&opts.conversationID, "conversation", "default", "Conversation id")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newChatCmd(opts),
		newVoiceCmd(opts),
		newServeCmd(opts),
		newTranscriptCmd(opts),
		newEventsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) session() (domain.Session, error) {
	s := domain.Session{UserID: strings.TrimSpace(o.userID), ConversationID: strings.TrimSpace(o.conversationID)}
	if err := s.Validate(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// openApp loads the configuration and builds the application. The caller
// must Close it.
func (o *rootOptions) openApp(ctx context.Context, cmd *cobra.Command, appOpts ...app.Option) (*app.App, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.Log.Level
	if o.verbose {
		level = "debug"
	}
	logger := logging.New(cmd.ErrOrStderr(), level, true)

	a, err := app.New(ctx, cfg, logger, appOpts...)
	if err != nil {
		return nil, logger, fmt.Errorf("start memorease: %w", err)
	}
	return a, logger, nil
}
