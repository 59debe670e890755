package control

import (
	"fmt"
	"strings"
	"time"

	"dictum/internal/audio"
	"dictum/internal/config"
	"dictum/internal/hook"
	"dictum/internal/logging"
	"dictum/internal/transcribe"
	"dictum/internal/whisperserver"

	"github.com/spf13/cobra"
)

// NewTranscribeCmd transcribes a WAV file through the inference server and
// optionally fires the hook, without involving the daemon.
func NewTranscribeCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <wavfile>",
		Short: "Transcribe a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			wantHook, _ := cmd.Flags().GetBool("hook")

			pcm, err := audio.ReadWAVFile(args[0], cfg.Audio.SampleRate)
			if err != nil {
				return err
			}

			sup := whisperserver.NewSupervisor(cfg, logger)
			if err := sup.EnsureRunning(cmd.Context(), cfg.Server.ModelPath, cfg.Server.Port); err != nil {
				return err
			}

			baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
			client := transcribe.NewClient(baseURL, cfg.Audio.SampleRate, logger)
			res, err := client.Transcribe(cmd.Context(), pcm, cfg.Provider.Language, transcribe.FormatJSON)
			if err != nil {
				return err
			}
			text := strings.TrimSpace(res.Text)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), text)

			if !wantHook {
				return nil
			}
			r := hook.NewRunner(cfg, logger)
			job := hook.Job{Text: text, Timestamp: time.Now()}
			if !r.ShouldRun(job) {
				return fmt.Errorf("hook gated (cooldown, min_chars, or no command)")
			}
			return r.Run(cmd.Context(), job)
		},
	}
	cmd.Flags().Bool("hook", false, "also send through configured hook")
	return cmd
}
