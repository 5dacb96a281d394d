package main

import (
	"github.com/spf13/cobra"

	"isocore/internal/calc"
	"isocore/internal/step"
	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

type replicateOutput struct {
	Replicate    string                 `json:"replicate"`
	Interval     string                 `json:"interval"`
	BatchVersion uint64                 `json:"batch_version"`
	Displaced    []string               `json:"displaced,omitempty"`
	Errors       []string               `json:"errors,omitempty"`
	Columns      scratchpad.PadSnapshot `json:"columns"`
}

type sampleOutput struct {
	Sample     string                 `json:"sample"`
	Analysis   string                 `json:"analysis"`
	Replicates map[string]uint64      `json:"replicates"`
	Errors     []string               `json:"errors,omitempty"`
	Columns    scratchpad.PadSnapshot `json:"columns"`
}

type batchOutput struct {
	Interval string           `json:"interval"`
	Analysis string           `json:"analysis"`
	Version  uint64           `json:"version"`
	From     domain.Timestamp `json:"valid_from"`
	Until    domain.Timestamp `json:"valid_until"`
	Pads     int              `json:"pads"`
	Errors   []string         `json:"errors,omitempty"`
}

func messages(errs []step.CalculationError) []string {
	var out []string
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func (c *cli) calcCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "calc", Short: "Run single-entity calculations"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "replicate <replicate> <analysis>",
			Short: "Calculate one replicate against its interval's batch",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.open(cmd.Context())
				if err != nil {
					return err
				}
				res, err := a.Server.CalculateReplicate(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return c.print(replicateOutput{
					Replicate:    res.TargetID,
					Interval:     res.BatchKey.IntervalID,
					BatchVersion: res.BatchVersion,
					Displaced:    res.Displaced,
					Errors:       messages(res.Errors),
					Columns:      res.Target.Snapshot(),
				})
			},
		},
		&cobra.Command{
			Use:   "sample <sample> <analysis>",
			Short: "Compute a sample from its enabled replicates",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.open(cmd.Context())
				if err != nil {
					return err
				}
				res, err := a.Server.ComputeSample(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return c.print(sampleOutput{
					Sample:     res.SampleID,
					Analysis:   res.AnalysisID,
					Replicates: res.Replicates,
					Errors:     messages(res.Errors),
					Columns:    res.Pad.Snapshot(),
				})
			},
		},
	)
	return cmd
}

func (c *cli) recalcCmd() *cobra.Command {
	var (
		instrument  string
		from, until int64
	)
	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Recompute batch calculations for every interval, or for an instrument's window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			var results []*calc.BatchResult
			if instrument == "" {
				results, err = a.Server.RecalculateAll(cmd.Context())
			} else {
				window := domain.TimeRange{From: domain.Timestamp(from), Until: domain.Timestamp(until)}
				results, err = a.Server.RecalculateWindow(cmd.Context(), instrument, window)
			}
			if err != nil {
				return err
			}
			out := make([]batchOutput, 0, len(results))
			for _, r := range results {
				out = append(out, batchOutput{
					Interval: r.Key.IntervalID,
					Analysis: r.Key.AnalysisID,
					Version:  r.Version,
					From:     r.Interval.ValidFrom,
					Until:    r.Interval.ValidUntil,
					Pads:     r.ScratchPad.Len(),
					Errors:   messages(r.Errors),
				})
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVar(&instrument, "instrument", "", "limit to one instrument")
	cmd.Flags().Int64Var(&from, "from", int64(domain.MinTimestamp), "window start (inclusive)")
	cmd.Flags().Int64Var(&until, "until", int64(domain.MaxTimestamp), "window end (exclusive)")
	return cmd
}
