package control

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/media"
)

// send loads the config, issues req and prints the reply.
func send(cmd *cobra.Command, cfgPath *string, req Request) error {
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	resp, err := Command(cfg.Paths.SocketPath, req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case resp.Token != "":
		fmt.Fprintf(out, "%s  token %s\n", resp.State, resp.Token)
	case resp.Message != "" && resp.Message != "ok":
		fmt.Fprintf(out, "%s  %s\n", resp.State, resp.Message)
	default:
		fmt.Fprintln(out, resp.State)
	}
	return nil
}

func simpleOp(cfgPath *string, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, cfgPath, Request{Op: op})
		},
	}
}

// NewPlaybackCmds returns the transport and recognition commands.
func NewPlaybackCmds(cfgPath *string) []*cobra.Command {
	return []*cobra.Command{
		newOpenCmd(cfgPath),
		simpleOp(cfgPath, OpPlay, "Resume playback"),
		simpleOp(cfgPath, OpPause, "Pause playback"),
		newSeekCmd(cfgPath),
		newRecognizeCmd(cfgPath),
		simpleOp(cfgPath, OpNext, "Recognize the next uncovered segment at the playhead"),
		newCancelCmd(cfgPath),
		simpleOp(cfgPath, OpReset, "Stop everything and return to idle"),
		simpleOp(cfgPath, OpRetry, "Leave a recoverable error and reopen the media"),
		newPressureCmd(cfgPath),
		newCacheCmd(cfgPath),
	}
}

func newOpenCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "open <media.wav>",
		Short: "Load media, preload the first frame and start playback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			if !strings.Contains(ref, "://") {
				abs, err := filepath.Abs(ref)
				if err != nil {
					return err
				}
				ref = abs
			}
			return send(cmd, cfgPath, Request{Op: OpOpen, Media: ref})
		},
	}
}

func newSeekCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seek <seconds>",
		Short: "Move the playhead; supersedes any running recognition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseSeconds(args[0])
			if err != nil {
				return err
			}
			return send(cmd, cfgPath, Request{Op: OpSeek, Time: t})
		},
	}
}

func newRecognizeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recognize <start> <end>",
		Short: "Recognize a window (seconds)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWindow(args[0], args[1])
			if err != nil {
				return err
			}
			return send(cmd, cfgPath, Request{Op: OpRecognize, Start: w.Start, End: w.End})
		},
	}
}

func newCancelCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [token]",
		Short: "Cancel the running recognition (optionally only if tied to token)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := Request{Op: OpCancel}
			if len(args) == 1 {
				req.Token = args[0]
			}
			return send(cmd, cfgPath, req)
		},
	}
}

func newPressureCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pressure [warning|urgent|critical]",
		Short: "Raise a memory-pressure event (no level: a memory warning signal)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := Request{Op: OpPressure}
			if len(args) == 1 {
				if _, err := media.ParsePressureLevel(args[0]); err != nil {
					return err
				}
				req.Level = args[0]
			}
			return send(cmd, cfgPath, req)
		},
	}
}

func newCacheCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Show cache contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			var stats cache.Stats
			if err := Call(cfg.Paths.SocketPath, Request{Op: OpCache}, &stats); err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d/%d items, %.1f/%.1f MB\n", stats.Items, stats.MaxItems, mb(stats.Bytes), mb(stats.MaxBytes))
			for _, k := range stats.Keys {
				if r, ok := media.ParseKey(k); ok {
					fmt.Fprintf(out, "  %s\n", r)
					continue
				}
				fmt.Fprintf(out, "  %s\n", k)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func parseSeconds(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "s"), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("want a non-negative number of seconds, got %q", s)
	}
	return v, nil
}

func parseWindow(start, end string) (media.TimeRange, error) {
	a, err := parseSeconds(start)
	if err != nil {
		return media.TimeRange{}, err
	}
	b, err := parseSeconds(end)
	if err != nil {
		return media.TimeRange{}, err
	}
	if b <= a {
		return media.TimeRange{}, fmt.Errorf("%w: end %.1f must be after start %.1f", media.ErrInvalidRange, b, a)
	}
	return media.NewTimeRange(a, b), nil
}
