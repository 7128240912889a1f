package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bastion-sec/bastion/internal/engine"
	"github.com/bastion-sec/bastion/internal/policy"
	"github.com/bastion-sec/bastion/internal/scanner"
)

// checkResult is the printed evaluation outcome.
type checkResult struct {
	Allow         bool              `json:"allow"`
	Reason        string            `json:"reason"`
	RuleID        string            `json:"rule_id,omitempty"`
	Findings      []scanner.Finding `json:"findings,omitempty"`
	RetryAfterSec float64           `json:"retry_after_sec,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var (
		policyPath string
		tool       string
		prompt     string
		identity   string
		resource   string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate one call against the policy and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, policyPath, tool, prompt, identity, resource)
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "policy.yaml", "policy file")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name to evaluate")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text to scan")
	cmd.Flags().StringVar(&identity, "identity", "cli", "caller identity")
	cmd.Flags().StringVar(&resource, "resource", "", "resource URI to evaluate")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func runCheck(cmd *cobra.Command, policyPath, tool, prompt, identity, resource string) error {
	logger := mustBuildLogger()
	defer func() { _ = logger.Sync() }()

	pol, err := policy.Load(policyPath)
	if err != nil {
		return err
	}

	stack, err := buildStack(pol, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := engine.CheckInput{Identity: identity, Tool: tool, Prompt: prompt}
	if resource != "" {
		in.Resources = []string{resource}
	}
	d := stack.engine.Check(ctx, in)

	out := checkResult{
		Allow:    d.Allow,
		Reason:   d.Reason.String(),
		RuleID:   d.RuleID,
		Findings: d.Findings,
	}
	if d.Reason == engine.ReasonRateLimited {
		out.RetryAfterSec = d.RetryAfter.Seconds()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !d.Allow {
		// Scripts branch on the exit code.
		stack.close()
		os.Exit(1)
	}
	return nil
}
