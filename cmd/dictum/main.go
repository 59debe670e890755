package main

import (
	"fmt"
	"os"

	"dictum/internal/control"
	"dictum/internal/daemon"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	root := &cobra.Command{
		Use:   "dictum",
		Short: "Dictum — local dictation daemon",
		Long: `Dictum captures your mic on demand, transcribes with a locally supervised
whisper.cpp server (or a cloud streaming service), and hands finished
transcripts to a configurable hook.

Key commands:
  start|stop|restart        Daemon lifecycle
  record start|stop|toggle  Control recording in the running daemon
  status [--json]           Provider, state, and last transcripts
  server start|stop|status  Manage the inference server directly
  models list|download|set  Manage whisper.cpp models
  mic list|set              Select microphone
  doctor                    Check deps / config
  service install|uninstall|status   launchd helper (macOS)
  health|tail-log|test-hook Liveness, log tail, manual hook
  transcribe <wav>          One-shot file transcription

Notable flags/env:
  --metrics-addr <addr>     Enable /metrics (Prometheus text)
  --provider <name>         Override provider (local, cloud, native)
  Env overrides: DICTUM_PROVIDER, DICTUM_LANGUAGE, DICTUM_METRICS_ADDR,
                 DICTUM_LOG_LEVEL/FORMAT, DICTUM_CLOUD_API_KEY,
                 DICTUM_STREAMING_ENABLED`,
		Example: `  dictum start --metrics-addr 127.0.0.1:9343
  dictum record toggle
  dictum status --json
  dictum models download ggml-small-q5_1.bin
  dictum models set ggml-small-q5_1.bin
  dictum transcribe note.wav --hook
  dictum test-hook "make it so"`,
		DisableFlagsInUseLine: true,
	}

	root.Version = version
	root.SetVersionTemplate("Dictum v{{.Version}}\n")

	cfgPath := root.PersistentFlags().StringP("config", "c", "", "Path to config file (TOML). Defaults to ~/.config/dictum/config.toml")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(daemon.NewStartCmd(cfgPath))
	root.AddCommand(daemon.NewStopCmd(cfgPath))
	root.AddCommand(daemon.NewRestartCmd(cfgPath))
	root.AddCommand(control.NewStatusCmd(cfgPath))
	root.AddCommand(control.NewRecordCmd(cfgPath))
	root.AddCommand(control.NewReloadCmd(cfgPath))
	root.AddCommand(control.NewTailLogCmd(cfgPath))
	root.AddCommand(control.NewMicCmd(cfgPath))
	root.AddCommand(control.NewTestHookCmd(cfgPath))
	root.AddCommand(control.NewDoctorCmd(cfgPath))
	root.AddCommand(control.NewServiceCmd(cfgPath))
	root.AddCommand(control.NewHealthCmd(cfgPath))
	root.AddCommand(control.NewTranscribeCmd(cfgPath))
	root.AddCommand(control.NewModelsCmd(cfgPath))
	root.AddCommand(control.NewServerCmd(cfgPath))

	// Hidden internal serve command used by start.
	root.AddCommand(daemon.NewServeCmd(cfgPath))

	applyColorHelp(root)

	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func applyColorHelp(root *cobra.Command) {
	const (
		boldBlue = "\033[1;34m"
		green    = "\033[32m"
		bold     = "\033[1m"
		dim      = "\033[2m"
		reset    = "\033[0m"
	)
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		write := func(format string, args ...any) { _, _ = fmt.Fprintf(out, format, args...) }
		writeln := func(line string) { _, _ = fmt.Fprintln(out, line) }

		write("%sDictum%s — local dictation daemon %s(v%s)%s\n", boldBlue, reset, dim, version, reset)
		write("%sRecords on demand, transcribes locally or in the cloud, and runs your hook.%s\n\n", dim, reset)

		write("%sUsage%s\n", bold, reset)
		write("  dictum [command] [flags]\n\n")

		write("%sKey commands%s\n", bold, reset)
		writeln("  start|stop|restart          daemon lifecycle")
		writeln("  record start|stop|toggle    control recording")
		writeln("  status [--json]             provider, state, last transcripts")
		writeln("  server start|stop|status    manage the inference server")
		writeln("  models list|download|set    manage whisper.cpp models")
		writeln("  mic list|set                select input device")
		writeln("  doctor                      check deps/model/hook/portaudio")
		writeln("  service install|uninstall|status manage launchd plist (macOS)")
		writeln("  health                      control-socket liveness ping")
		writeln("  tail-log                    show last log lines")
		writeln("  test-hook \"text\"           invoke hook manually")
		writeln("  transcribe <wav>            one-shot file transcription")
		writeln("")

		write("%sNotable flags & env%s\n", bold, reset)
		writeln("  --metrics-addr <addr>   enable /metrics (Prometheus)")
		writeln("  --provider <name>       override provider (local, cloud, native)")
		writeln("  -c, --config <path>     config file (default ~/.config/dictum/config.toml)")
		writeln("  Env: DICTUM_PROVIDER=cloud, DICTUM_METRICS_ADDR=host:port,")
		writeln("       DICTUM_LOG_LEVEL=debug, DICTUM_LOG_FORMAT=json,")
		writeln("       DICTUM_CLOUD_API_KEY=..., DICTUM_STREAMING_ENABLED=0")
		writeln("")

		write("%sExamples%s\n", bold, reset)
		writeln("  dictum start --metrics-addr 127.0.0.1:9343")
		writeln("  dictum record toggle")
		writeln("  dictum models download ggml-small-q5_1.bin")
		writeln("  dictum models set ggml-small-q5_1.bin")
		writeln("  dictum service install --env DICTUM_METRICS_ADDR=127.0.0.1:9343")
		writeln("  dictum health")
		writeln("  dictum test-hook \"make it so\"")
		writeln("")

		write("%sCommands%s\n", bold, reset)
		for _, c := range cmd.Commands() {
			if c.Hidden {
				continue
			}
			write("  %s%-15s%s %s\n", green, c.Name(), reset, c.Short)
		}
	})
}
