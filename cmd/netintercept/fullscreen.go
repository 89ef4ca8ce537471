package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"netintercept/internal/fullscreen"
)

func newFullScreenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fullscreen URL",
		Short: "Simulate content toggling full-screen mode and resolve it with a policy",
		Args:  cobra.ExactArgs(1),
		RunE:  runFullScreen,
	}
	cmd.Flags().String("policy", "accept", "Host policy: accept, reject or none (no handler installed)")
	return cmd
}

func runFullScreen(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.startSession(cmd, a.sessionConfig())
	if err != nil {
		return err
	}
	page, err := a.svc.NewPage(id, "")
	if err != nil {
		return err
	}
	if res := page.Load(cmd.Context(), args[0]); !res.OK {
		a.log.Warn("页面加载失败，仍以请求地址作为来源", "url", args[0], "disposition", string(res.Disposition))
	}

	policy, _ := cmd.Flags().GetString("policy")
	switch policy {
	case "accept":
		page.FullScreen().SetHandler(func(r *fullscreen.Request) { _ = r.Accept() })
	case "reject":
		page.FullScreen().SetHandler(func(r *fullscreen.Request) { _ = r.Reject() })
	case "none":
	default:
		return fmt.Errorf("unknown policy %q", policy)
	}

	out := cmd.OutOrStdout()
	for _, on := range []bool{true, false} {
		r := page.RequestFullScreen(on)
		fmt.Fprintf(out, "origin=%s toggleOn=%t resolved=%t fullScreen=%t\n",
			r.Origin(), r.ToggleOn(), r.Resolved(), page.FullScreen().IsFullScreen())
	}
	return nil
}
