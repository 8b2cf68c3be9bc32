package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/rpclatency/internal/execnode"
	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/internal/shreds"
)

func newShredsCmd(root *rootOptions) *cobra.Command {
	var (
		count    int
		duration time.Duration
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "shreds",
		Short: "Subscribe to the shred stream and measure the interval between shreds",
		Long: `Subscribe to the node's shred stream over WebSocket and print every shred with the
time since the previous one. Stops after --count shreds, after --duration, or on interrupt.`,
		Args: cobra.NoArgs,
	}
	ov := newOverrides(cmd.Flags())
	endpointFlags(ov)
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many shreds; 0 means no limit")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long; 0 means no limit")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Only print the summary")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := root.load(cmd, ov)
		if err != nil {
			return err
		}

		profile := execnode.DefaultRegistry().Get(cfg.Profile)
		if profile == nil {
			return fmt.Errorf("unknown chain profile %q", cfg.Profile)
		}
		if profile.SubscribeMethod == "" {
			return fmt.Errorf("chain profile %s has no shred subscription", profile.Name)
		}
		if cfg.WSURL == "" {
			return errors.New("WebSocket URL is required (--ws-url or WS_PROVIDER)")
		}

		ws, err := rpc.DialWS(cmd.Context(), rpc.WSConfig{URL: cfg.WSURL, DialTimeout: 10 * time.Second, Logger: logger})
		if err != nil {
			return err
		}
		defer ws.Close()

		out := cmd.OutOrStdout()
		mcfg := shreds.Config{
			Subscriber:        ws,
			SubscribeMethod:   profile.SubscribeMethod,
			UnsubscribeMethod: profile.UnsubscribeMethod,
			Count:             count,
			Duration:          duration,
			Logger:            logger,
		}
		if !quiet {
			mcfg.OnEvent = func(e shreds.Event) {
				fmt.Fprintf(out, "block %d  shred %d  +%dms\n", e.BlockNumber, e.ShredIndex, e.Interval.Milliseconds())
			}
		}
		m, err := shreds.New(mcfg)
		if err != nil {
			return err
		}

		res, err := m.Run(cmd.Context())
		if res != nil {
			printShredSummary(out, res)
		}
		return err
	}
	return cmd
}

func printShredSummary(w io.Writer, res *shreds.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Shreds", "Skipped", "Min (ms)", "Max (ms)", "Avg (ms)", "Elapsed"})
	table.SetAutoFormatHeaders(false)
	table.Append([]string{
		fmt.Sprint(len(res.Events)),
		fmt.Sprint(res.Skipped),
		fmt.Sprint(res.Intervals.MinMs),
		fmt.Sprint(res.Intervals.MaxMs),
		fmt.Sprint(res.Intervals.AvgMs),
		res.Elapsed.Round(time.Millisecond).String(),
	})
	table.Render()
}
