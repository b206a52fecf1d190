package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"memorease/internal/app"
	"memorease/internal/usecase"
	"memorease/internal/voice"
)

func newVoiceCmd(opts *rootOptions) *cobra.Command {
	var audioPath, replyPath string
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Ask a question from a recorded WAV file",
		Long: `Transcribe a recorded question, answer it and write the spoken reply
to --reply as MP3.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			session, err := opts.session()
			if err != nil {
				return err
			}
			a, logger, err := opts.openApp(ctx, cmd, app.WithPlayer(voice.FilePlayer{Path: replyPath}))
			if err != nil {
				return err
			}
			defer a.Close()

			capture, err := a.Capture(voice.FileDevice{Path: audioPath})
			if err != nil {
				return err
			}
			if err := capture.Start(ctx); err != nil {
				return usecase.CaptureError(err)
			}
			res, err := capture.Stop(ctx)
			if err != nil {
				return usecase.CaptureError(err)
			}
			if res.Transcript == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no speech recognized")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "you: %s\n", res.Transcript)

			out, err := a.Assistant.SubmitTurn(ctx, usecase.VoiceInput(session, res))
			var ue *usecase.Error
			if err != nil && !(errors.As(err, &ue) && ue.Code == usecase.ErrorPersistence) {
				return err
			}
			if err != nil {
				logger.Warn().Err(err).Msg("conversation not fully saved")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "memorease: %s\n", out.AssistantTurn.Text)

			a.Speech.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "reply audio written to %s\n", replyPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&audioPath, "audio", "", "Recorded question (WAV)")
	cmd.Flags().StringVar(&replyPath, "reply", "reply.mp3", "Where to write the spoken reply")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}
