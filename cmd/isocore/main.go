// Command isocore operates the recalculation engine from the shell: it
// manages instruments and calibration intervals, imports replicates and raw
// files, and runs batch, replicate and sample calculations against the
// configured store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"isocore/internal/app"
	"isocore/internal/command"
	"isocore/internal/config"
	"isocore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, c := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := c.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

type cli struct {
	out        io.Writer
	configPath string
	principal  string
	app        *app.App
}

func newRootCmd(out io.Writer) (*cobra.Command, *cli) {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "isocore",
		Short:         "Isotope lab recalculation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file; ISOCORE_* variables override it")
	root.PersistentFlags().StringVar(&c.principal, "as", "cli", "principal id recorded for commands")
	root.AddCommand(
		c.instrumentsCmd(),
		c.intervalsCmd(),
		c.importCmd(),
		c.calcCmd(),
		c.recalcCmd(),
		c.execCmd(),
		c.commandsCmd(),
	)
	return root, c
}

// open loads the configuration and wires the application on first use.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, cfg, app.WithPrincipal(command.Admin(c.principal)))
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

// execute runs cmd and converts a non-OK response into an error.
func (c *cli) execute(ctx context.Context, cmd command.Command) (command.Response, error) {
	a, err := c.open(ctx)
	if err != nil {
		return command.Response{}, err
	}
	resp := a.Execute(ctx, cmd)
	switch resp.Status {
	case domain.StatusOK:
		return resp, nil
	case domain.StatusVerifyAndResend:
		return resp, fmt.Errorf("%s: %s (rerun with --confirm to proceed)", resp.Command, resp.Message)
	}
	return resp, fmt.Errorf("%s: %s: %s", resp.Command, resp.Status, resp.Message)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTimestamp(s string) (domain.Timestamp, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return domain.Timestamp(n), nil
}

func (c *cli) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command> <json>",
		Short: "Run any command from its JSON form",
		Example: `  isocore exec create_standard '{"name":"NBS-19","reference_values":{"d13C":1.95}}'
  isocore exec set_replicate_disabled '{"id":"...","disabled":true}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := command.Decode(args[0], json.RawMessage(args[1]))
			if err != nil {
				return err
			}
			resp, err := c.execute(cmd.Context(), decoded)
			if err != nil {
				return err
			}
			return c.print(struct {
				Status  domain.Status  `json:"status"`
				Payload any            `json:"payload,omitempty"`
				Events  []domain.Event `json:"events,omitempty"`
			}{resp.Status, resp.Payload, resp.Events})
		},
	}
}

func (c *cli) commandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List the command names accepted by exec",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			for _, name := range command.Names() {
				if _, err := fmt.Fprintln(c.out, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
