// Command autopilot is the operator CLI for the governance control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mindburn-Labs/autopilot/pkg/config"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Run executes the CLI and returns the process exit code. Governance errors
// print their machine-readable kind on stderr and exit 1.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(stderr, err)
		return 1
	}
	return 0
}

func printError(w io.Writer, err error) {
	if kind := contracts.KindOf(err); kind != "" {
		_, _ = fmt.Fprintf(w, "kind: %s\n", kind)
		var ge *contracts.GovernanceError
		if errors.As(err, &ge) {
			for _, r := range ge.Reasons {
				_, _ = fmt.Fprintf(w, "reason: %s\n", r)
			}
		}
	}
	_, _ = fmt.Fprintln(w, "error:", err)
}

// cli carries per-invocation state shared by the subcommands.
type cli struct {
	v          *viper.Viper
	configPath string
	jsonOut    bool
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{v: config.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "autopilot",
		Short:         "Governance control plane for autonomous software delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `autopilot governs issue lifecycles, CI rerun loops and remediation playbooks.
Every decision is checked against the lawbook (a deny-by-default allow list)
and written to a hash-chained audit trail before the command returns.`,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (default ./autopilot.yaml)")
	pf.BoolVar(&c.jsonOut, "json", false, "output JSON instead of tables")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("database-driver", "sqlite", "database driver (sqlite, postgres)")
	pf.String("dsn", "autopilot.db", "database DSN")
	pf.String("lawbook", "lawbook.yaml", "lawbook file or directory")
	pf.String("playbooks", "playbooks", "playbook directory")
	_ = c.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("database.driver", pf.Lookup("database-driver"))
	_ = c.v.BindPFlag("database.dsn", pf.Lookup("dsn"))
	_ = c.v.BindPFlag("lawbook.path", pf.Lookup("lawbook"))
	_ = c.v.BindPFlag("playbooks.dir", pf.Lookup("playbooks"))

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.issueCmd())
	root.AddCommand(c.stopCmd())
	root.AddCommand(c.playbookCmd())
	root.AddCommand(c.auditCmd())
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	if err := config.ReadFile(c.v, c.configPath); err != nil {
		return nil, err
	}
	return config.Decode(c.v)
}
