package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/policy"
	"github.com/opensource-finance/underwrite/internal/underwriting"
)

func newEvaluateCmd() *cobra.Command {
	var (
		presetID string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate [scenario-file]",
		Short: "Evaluate a scenario file or preset offline",
		Long:  "Evaluates a YAML or JSON scenario against the policy tables and prints the result. No server or store is used.",
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

			p, err := loadPolicy(cfg.Policy.File)
			if err != nil {
				return err
			}

			r, err := underwriting.Evaluate(s, p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			return underwriting.WriteSummary(out, r)
		},
	}

	cmd.Flags().StringVar(&presetID, "preset", "", "evaluate a built-in example scenario")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the built-in example scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			for _, p := range underwriting.Presets() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", p.ID, p.Name)
			}
		},
	}
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect policy tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective policy tables as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := loadPolicy(cfg.Policy.File)
			if err != nil {
				return err
			}
			data, err := p.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a policy overlay file applies cleanly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (policy %s, version %s)\n", args[0], p.ID, p.Version)
			return nil
		},
	})

	return cmd
}

func loadPolicy(file string) (*policy.Policy, error) {
	if file == "" {
		return policy.Default(), nil
	}
	return policy.LoadFile(file)
}

// readScenario decodes a scenario file. JSON input is valid YAML.
func readScenario(path string) (*domain.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	var s domain.Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	return &s, nil
}
