package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/underwrite/internal/bus"
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/underwriting"
)

// errLocalBus is returned when submit is configured with the in-process
// bus, which no worker in another process can read.
var errLocalBus = errors.New("submit needs a shared event bus; set eventbus.type to nats")

func newSubmitCmd() *cobra.Command {
	var (
		presetID string
		policyID string
		noWait   bool
		asJSON   bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit [scenario-file]",
		Short: "Submit a scenario to a running worker over NATS",
		Long:  "Publishes a scenario on the event bus and, unless --no-wait is given, prints the decision the worker replies with.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var s *domain.Scenario
			switch {
			case presetID != "":
				preset, ok := underwriting.FindPreset(presetID)
				if !ok {
					return fmt.Errorf("unknown preset %q", presetID)
				}
				s = &preset.Scenario
			case len(args) == 1:
				if s, err = readScenario(args[0]); err != nil {
					return err
				}
			default:
				return fmt.Errorf("a scenario file or --preset is required")
			}
			if err := s.Validate(); err != nil {
				return err
			}

			if cfg.EventBus.Type != "nats" {
				return errLocalBus
			}
			b, err := bus.New(cfg.EventBus)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			msg := &domain.ScenarioMessage{PolicyID: policyID, Scenario: s}
			out := cmd.OutOrStdout()

			if noWait {
				if err := bus.Submit(ctx, b, msg); err != nil {
					return err
				}
				fmt.Fprintf(out, "submitted %s (policy %s)\n", msg.RequestID, msg.PolicyID)
				return nil
			}

			reply, err := bus.SubmitAndWait(ctx, b, msg)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reply)
			}

			d := reply.Decision
			if d == nil || d.Result == nil {
				return fmt.Errorf("reply %s carries no decision", reply.RequestID)
			}
			fmt.Fprintf(out, "Request: %s\nPolicy: %s\nStatus: %s\n", reply.RequestID, reply.PolicyID, d.Status)
			for _, reason := range d.Reasons {
				fmt.Fprintf(out, "  - %s\n", reason)
			}
			return underwriting.WriteSummary(out, d.Result)
		},
	}

	f := cmd.Flags()
	f.StringVar(&presetID, "preset", "", "submit a built-in example scenario")
	f.StringVar(&policyID, "policy", domain.DefaultPolicyID, "policy ID to evaluate under")
	f.BoolVar(&noWait, "no-wait", false, "publish and return without waiting for the decision")
	f.BoolVar(&asJSON, "json", false, "print the decision message as JSON")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the worker")
	f.String("nats-url", "", "NATS server URL")
	return cmd
}
