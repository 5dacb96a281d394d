package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"isocore/internal/command"
	"isocore/pkg/domain"
)

// replicateFlags are the flags shared by the replicate and raw file imports.
type replicateFlags struct {
	timestamp    int64
	standard     string
	sample       string
	cycles       []string
	measurements []string
	confirm      bool
}

func (f *replicateFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.timestamp, "timestamp", 0, "measurement timestamp")
	cmd.Flags().StringVar(&f.standard, "standard", "", "standard id when the replicate measures a standard")
	cmd.Flags().StringVar(&f.sample, "sample", "", "sample id when the replicate measures a sample")
	cmd.Flags().StringArrayVar(&f.cycles, "cycles", nil, "per-cycle values as name=v1,v2,...; repeatable")
	cmd.Flags().StringArrayVar(&f.measurements, "measurement", nil, "scalar value as name=v; repeatable")
	cmd.Flags().BoolVar(&f.confirm, "confirm", false, "store even when the instrument already has a replicate at this timestamp")
}

func (f *replicateFlags) replicate(instrumentID string) (domain.Replicate, error) {
	rep := domain.Replicate{
		InstrumentID: instrumentID,
		Timestamp:    domain.Timestamp(f.timestamp),
		StandardID:   f.standard,
		SampleID:     f.sample,
	}
	if len(f.cycles) > 0 {
		rep.Cycles = make(map[string][]float64, len(f.cycles))
	}
	for _, raw := range f.cycles {
		name, values, err := splitAssignment(raw)
		if err != nil {
			return domain.Replicate{}, err
		}
		for _, v := range strings.Split(values, ",") {
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return domain.Replicate{}, fmt.Errorf("cycles %s: %w", name, err)
			}
			rep.Cycles[name] = append(rep.Cycles[name], n)
		}
	}
	if len(f.measurements) > 0 {
		rep.Measurements = make(map[string]float64, len(f.measurements))
	}
	for _, raw := range f.measurements {
		name, value, err := splitAssignment(raw)
		if err != nil {
			return domain.Replicate{}, err
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return domain.Replicate{}, fmt.Errorf("measurement %s: %w", name, err)
		}
		rep.Measurements[name] = n
	}
	return rep, nil
}

func splitAssignment(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok || name == "" || value == "" {
		return "", "", fmt.Errorf("expected name=value, got %q", raw)
	}
	return name, value, nil
}

func (c *cli) importCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "import", Short: "Import measurements"}

	var repFlags replicateFlags
	replicate := &cobra.Command{
		Use:   "replicate <instrument>",
		Short: "Store one replicate measurement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := repFlags.replicate(args[0])
			if err != nil {
				return err
			}
			resp, err := c.execute(cmd.Context(), command.CreateReplicate{Replicate: rep, Confirmed: repFlags.confirm})
			if err != nil {
				return err
			}
			return c.print(resp.Payload)
		},
	}
	repFlags.register(replicate)
	_ = replicate.MarkFlagRequired("timestamp")

	var (
		fileFlags   replicateFlags
		contentType string
	)
	rawfile := &cobra.Command{
		Use:   "rawfile <instrument> <path>",
		Short: "Archive an instrument file, optionally with the replicate it holds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			in := command.ImportRawFile{
				InstrumentID: args[0],
				Name:         filepath.Base(args[1]),
				Timestamp:    domain.Timestamp(fileFlags.timestamp),
				ContentType:  contentType,
				Data:         data,
				Confirmed:    fileFlags.confirm,
			}
			if len(fileFlags.cycles) > 0 || len(fileFlags.measurements) > 0 {
				rep, err := fileFlags.replicate(args[0])
				if err != nil {
					return err
				}
				in.Replicates = []domain.Replicate{rep}
			}
			resp, err := c.execute(cmd.Context(), in)
			if err != nil {
				return err
			}
			return c.print(resp.Payload)
		},
	}
	fileFlags.register(rawfile)
	rawfile.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "archived content type")
	_ = rawfile.MarkFlagRequired("timestamp")

	cmd.AddCommand(replicate, rawfile)
	return cmd
}
