package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"prism/internal/asr"
	"prism/internal/config"
	"prism/internal/extract"
	"prism/internal/hook"
	"prism/internal/logging"
	"prism/internal/media"
)

// NewTranscribeCmd recognizes one window of a WAV file without the daemon and
// optionally fires the hook.
func NewTranscribeCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <wavfile>",
		Short: "Transcribe a window of a WAV file (needs -tags whisper)",
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
			ctx := cmd.Context()
			file := args[0]
			src := extract.WAV{TargetRate: cfg.Audio.SampleRate}

			duration, err := src.Duration(ctx, file)
			if err != nil {
				return err
			}
			start, _ := cmd.Flags().GetFloat64("start")
			end, _ := cmd.Flags().GetFloat64("end")
			if end <= 0 || end > duration {
				end = duration
			}
			w := media.NewTimeRange(start, end)
			if err := extract.CheckRange(w, duration); err != nil {
				return err
			}

			engine, err := asr.NewEngine(cfg, logger)
			if err != nil {
				return err
			}
			buf, err := src.Extract(ctx, file, w)
			if err != nil {
				return err
			}
			res, err := engine.Recognize(ctx, asr.Request{Window: w, MediaRef: file, Audio: buf})
			if err != nil {
				return err
			}
			txt := strings.TrimSpace(res.Text)
			fmt.Fprintln(cmd.OutOrStdout(), txt)

			if wantHook, _ := cmd.Flags().GetBool("hook"); !wantHook {
				return nil
			}
			r, err := hook.NewRunner(cfg, logger)
			if err != nil {
				return err
			}
			job := hook.Job{Text: txt, Window: w, MediaRef: file, Confidence: res.Confidence, Timestamp: time.Now()}
			if !r.ShouldRun(job) {
				return fmt.Errorf("skipped: len(text)=%d < min_chars=%d", len(txt), cfg.Hook.MinChars)
			}
			return r.Run(ctx, job)
		},
	}
	cmd.Flags().Float64("start", 0, "window start in seconds")
	cmd.Flags().Float64("end", 0, "window end in seconds (default: end of file)")
	cmd.Flags().Bool("hook", false, "also send through configured hook")
	return cmd
}
