package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"prism/internal/control"
	"prism/internal/daemon"
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
		Use:   "prism",
		Short: "Prism - media playback with background speech recognition",
		Long: `Prism plays local media, preloads the audio around the playhead and recognizes
speech window by window with whisper.cpp. Seeks supersede in-flight recognition,
memory pressure trims the audio cache around the playhead, and every transcript
can be forwarded to a hook command.

Key commands:
  start|stop|restart              Daemon lifecycle
  status [--json]                 State, scheduler, cache and last transcripts
  open|play|pause|seek            Transport
  recognize|next|cancel           Recognition windows
  reset|retry                     Leave error states
  pressure [level]|cache          Memory pressure and cache inspection
  doctor|models|config            Environment checks, whisper models, effective config
  health|tail-log|test-hook       Liveness, log tail, manual hook

Env overrides: PRISM_METRICS_ADDR, PRISM_LOG_LEVEL/FORMAT, PRISM_STRATEGY,
               PRISM_MAX_CONCURRENT, PRISM_CACHE_MAX_MB, PRISM_AUTO_RECOGNIZE,
               PRISM_MODEL_PATH, PRISM_TRANSCRIPTS_ENABLED`,
		Example: `  prism start --metrics-addr 127.0.0.1:9318
  prism open talk.wav
  prism recognize 10 20
  prism seek 45
  prism cancel
  prism pressure critical
  prism status --json`,
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}

	root.Version = version
	root.SetVersionTemplate("Prism v{{.Version}}\n")

	cfgPath := root.PersistentFlags().StringP("config", "c", "", "Path to config file (TOML). Defaults to ~/.config/prism/config.toml")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(daemon.NewStartCmd(cfgPath))
	root.AddCommand(daemon.NewStopCmd(cfgPath))
	root.AddCommand(daemon.NewRestartCmd(cfgPath))
	root.AddCommand(control.NewStatusCmd(cfgPath))
	root.AddCommand(control.NewHealthCmd(cfgPath))
	root.AddCommand(control.NewPlaybackCmds(cfgPath)...)
	root.AddCommand(control.NewTailLogCmd(cfgPath))
	root.AddCommand(control.NewTestHookCmd(cfgPath))
	root.AddCommand(control.NewDoctorCmd(cfgPath))
	root.AddCommand(control.NewModelsCmd(cfgPath))
	root.AddCommand(control.NewConfigCmd(cfgPath))
	root.AddCommand(control.NewTranscribeCmd(cfgPath))

	// Hidden internal serve command used by start.
	root.AddCommand(daemon.NewServeCmd(cfgPath))

	applyColorHelp(root)

	return root.Execute()
}

func applyColorHelp(root *cobra.Command) {
	const (
		boldBlue = "\033[1;34m"
		green    = "\033[32m"
		bold     = "\033[1m"
		dim      = "\033[2m"
		reset    = "\033[0m"
	)
	defaultHelp := root.HelpFunc()
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != root {
			defaultHelp(cmd, args)
			return
		}
		out := cmd.OutOrStdout()
		write := func(format string, args ...any) { _, _ = fmt.Fprintf(out, format, args...) }

		write("%sPrism%s - playback with background speech recognition %s(v%s)%s\n", boldBlue, reset, dim, version, reset)
		write("%sPreloads audio around the playhead, recognizes it window by window, runs your hook.%s\n\n", dim, reset)

		write("%sUsage%s\n", bold, reset)
		write("  prism [command] [flags]\n\n")

		write("%sCommands%s\n", bold, reset)
		for _, c := range cmd.Commands() {
			if c.Hidden {
				continue
			}
			write("  %s%-12s%s %s\n", green, c.Name(), reset, c.Short)
		}
		write("\n%sFlags%s\n", bold, reset)
		write("  -c, --config <path>   config file (default ~/.config/prism/config.toml)\n")
		write("  --metrics-addr <addr> (start) serve /metrics, /healthz, /state\n\n")

		write("%sExamples%s\n", bold, reset)
		write("%s\n", cmd.Example)
	})
}
