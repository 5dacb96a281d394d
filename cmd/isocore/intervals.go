package main

import (
	"github.com/spf13/cobra"

	"isocore/internal/command"
)

func (c *cli) instrumentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instruments", Short: "List and create instruments"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List instruments",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := c.open(cmd.Context())
				if err != nil {
					return err
				}
				list, err := a.Server.Instruments(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(list)
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create an instrument with one unbounded calibration interval",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := c.execute(cmd.Context(), command.CreateInstrument{Name: args[0]})
				if err != nil {
					return err
				}
				return c.print(resp.Payload)
			},
		},
	)
	return cmd
}

func (c *cli) intervalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intervals", Short: "Inspect and edit calibration intervals"}

	list := &cobra.Command{
		Use:   "list <instrument>",
		Short: "List an instrument's intervals in time order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			intervals, err := a.Server.CorrIntervals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(intervals)
		},
	}

	var description string
	split := &cobra.Command{
		Use:   "split <instrument> <valid-from>",
		Short: "Start a new interval at valid-from, splitting the one containing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTimestamp(args[1])
			if err != nil {
				return err
			}
			resp, err := c.execute(cmd.Context(), command.CreateCorrInterval{InstrumentID: args[0], ValidFrom: from, Description: description})
			if err != nil {
				return err
			}
			return c.print(resp.Payload)
		},
	}
	split.Flags().StringVar(&description, "description", "", "interval description")

	move := &cobra.Command{
		Use:   "move <interval> <valid-from>",
		Short: "Move an interval's start boundary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTimestamp(args[1])
			if err != nil {
				return err
			}
			resp, err := c.execute(cmd.Context(), command.UpdateCorrInterval{ID: args[0], ValidFrom: &from})
			if err != nil {
				return err
			}
			return c.print(resp.Events)
		},
	}

	merge := &cobra.Command{
		Use:   "merge <interval>",
		Short: "Delete an interval, extending its neighbour over its range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.execute(cmd.Context(), command.DeleteCorrInterval{ID: args[0]})
			if err != nil {
				return err
			}
			return c.print(resp.Payload)
		},
	}

	cmd.AddCommand(list, split, move, merge)
	return cmd
}
