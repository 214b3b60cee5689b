package control

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"prism/internal/config"
	"prism/internal/doctor"
	"prism/internal/hook"
	"prism/internal/logging"
	"prism/internal/media"
)

// NewStatusCmd queries daemon status.
func NewStatusCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			keys, _ := cmd.Flags().GetBool("keys")
			var status Status
			if err := Call(cfg.Paths.SocketPath, Request{Op: OpStatus, Keys: keys}, &status); err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	cmd.Flags().Bool("keys", false, "include cache keys")
	return cmd
}

func printStatus(w io.Writer, status Status) {
	s := status.Session
	fmt.Fprintf(w, "running: %v\nuptime: %.1fs\n", status.Running, status.UptimeSec)
	fmt.Fprintf(w, "state: %s (for %s)\n", s.State, s.InState.Round(time.Millisecond))
	if s.Media != "" {
		fmt.Fprintf(w, "media: %s (%.1fs) at %.1fs\n", s.Media, s.Duration, s.Position)
	}
	if s.ActiveToken != "" {
		fmt.Fprintf(w, "seek token: %s\n", s.ActiveToken.Short())
	}
	fmt.Fprintf(w, "scheduler: %d outstanding, %d running\n", s.Depth, s.Running)
	fmt.Fprintf(w, "cache: %d/%d items, %.1f/%.1f MB, hits %d misses %d evictions %d\n",
		s.Cache.Items, s.Cache.MaxItems, mb(s.Cache.Bytes), mb(s.Cache.MaxBytes), s.Cache.Hits, s.Cache.Misses, s.Cache.Evictions)
	fmt.Fprintf(w, "pressure: %s\n", s.Pressure)
	for _, sl := range s.Preload {
		fmt.Fprintf(w, "preload %-16s %-8s %s\n", sl.Range.String(), sl.State, sl.Priority)
	}
	if len(s.Coverage) > 0 {
		parts := make([]string, len(s.Coverage))
		for i, r := range s.Coverage {
			parts[i] = r.String()
		}
		fmt.Fprintf(w, "recognized: %s\n", strings.Join(parts, " "))
	}
	for _, t := range s.Transcripts {
		fmt.Fprintf(w, "%s  %s  %s\n", t.At.Format("15:04:05"), t.Window, t.Text)
	}
}

func mb(b int64) float64 { return float64(b) / (1 << 20) }

// NewHealthCmd pings the control socket.
func NewHealthCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			resp, err := Command(cfg.Paths.SocketPath, Request{Op: OpHealth})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

// NewTailLogCmd tails the main log file (simple last N lines).
func NewTailLogCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail-log",
		Short: "Show the last log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			n, _ := cmd.Flags().GetInt("lines")
			transcripts, _ := cmd.Flags().GetBool("transcripts")
			path := cfg.Paths.LogPath
			if transcripts {
				path = cfg.Paths.TranscriptPath
			}
			return tailFile(cmd.OutOrStdout(), path, n)
		},
	}
	cmd.Flags().IntP("lines", "n", 50, "number of lines")
	cmd.Flags().Bool("transcripts", false, "tail the transcript log instead")
	return cmd
}

func tailFile(w io.Writer, path string, n int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	for _, l := range kept {
		fmt.Fprintln(w, l)
	}
	return nil
}

// NewTestHookCmd triggers hook manually.
func NewTestHookCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test-hook \"some text\"",
		Short: "Send sample text through hook",
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
			r, err := hook.NewRunner(cfg, logger)
			if err != nil {
				return err
			}
			job := hook.Job{Text: args[0], Window: media.FromZero(0), MediaRef: "test-hook", Timestamp: time.Now()}
			return r.Run(cmd.Context(), job)
		},
	}
}

// NewDoctorCmd runs environment checks.
func NewDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check model, hook and config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			results := doctor.Run(cfg)
			failed := false
			for _, r := range results {
				status := "ok"
				switch {
				case !r.Pass && r.Optional:
					status = "warn"
				case !r.Pass:
					status = "fail"
					failed = true
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-4s %s\n", r.Name, status, r.Detail)
			}
			if failed {
				return fmt.Errorf("doctor found issues")
			}
			return nil
		},
	}
}
