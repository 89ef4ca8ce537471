package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"netintercept/pkg/domain"
)

func newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a browser page over DevTools and intercept its requests",
		Long: `Attach to a running Chromium instance started with --remote-debugging-port
and dispatch every request of the selected page through the rules file.

Example:
  netintercept attach --devtools http://127.0.0.1:9222 --rules rules.yaml`,
		RunE: runAttach,
	}
	cmd.Flags().String("devtools", "http://127.0.0.1:9222", "DevTools HTTP endpoint")
	cmd.Flags().String("target", "", "Target id to attach, first page when empty")
	cmd.Flags().Bool("list", false, "List page targets and exit")
	return cmd
}

func runAttach(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.sessionConfig()
	cfg.DevToolsURL, _ = cmd.Flags().GetString("devtools")
	id, err := a.startSession(cmd, cfg)
	if err != nil {
		return err
	}

	if list, _ := cmd.Flags().GetBool("list"); list {
		targets, err := a.svc.ListTargets(id)
		if err != nil {
			return err
		}
		for _, t := range targets {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
		}
		return nil
	}

	target, _ := cmd.Flags().GetString("target")
	tid, err := a.svc.AttachTarget(id, domain.TargetID(target))
	if err != nil {
		return err
	}
	if err := a.svc.EnableInterception(id); err != nil {
		return err
	}
	events, err := a.svc.SubscribeEvents(id)
	if err != nil {
		return err
	}
	a.log.Info("已开始拦截", "session", string(id), "target", string(tid))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(evt); err != nil {
				return err
			}
		case <-sig:
			a.log.Info("收到退出信号，停止拦截")
			return a.svc.DisableInterception(id)
		}
	}
}
