package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"netintercept/internal/schemejob"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load URL",
		Short: "Load a page through the pipeline and print each request's disposition",
		Long: `Load a document and its sub-resources, dispatching every request through
the rules file. A local directory can be served under a custom scheme.

Example:
  netintercept load --dir ./site --scheme app --rules rules.yaml app://site/index.html`,
		Args: cobra.ExactArgs(1),
		RunE: runLoad,
	}
	cmd.Flags().String("dir", "", "Directory served under --scheme")
	cmd.Flags().String("scheme", "app", "Custom scheme for --dir")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall load timeout")
	return cmd
}

func runLoad(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.startSession(cmd, a.sessionConfig())
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		scheme, _ := cmd.Flags().GetString("scheme")
		if err := a.svc.InstallScheme(id, scheme, schemejob.NewFSHandler(os.DirFS(dir), a.log)); err != nil {
			return err
		}
	}
	page, err := a.svc.NewPage(id, "")
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	res := page.Load(ctx, args[0])

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tDISPOSITION\tOK\tHOPS\tURL")
	fmt.Fprintf(w, "main_frame\t%s\t%t\t%d\t%s\n", res.Disposition, res.OK, res.Hops, res.RequestedURL)
	for _, r := range res.Resources {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", r.Type, r.Disposition, r.OK, r.Hops, r.URL)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	stats, err := a.svc.GetRuleStats(id)
	if err == nil && stats.Total > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\nrules: %d evaluated, %d matched\n", stats.Total, stats.Matched)
	}
	if !res.OK {
		return fmt.Errorf("load %s failed: %s %s", res.RequestedURL, res.Disposition, res.ErrorKind)
	}
	return nil
}
