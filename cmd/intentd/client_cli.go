package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"pkt.systems/intentd/api"
	intentdclient "pkt.systems/intentd/client"
)

const (
	clientServerKey  = "client.server"
	clientTimeoutKey = "client.timeout"
	clientOutputKey  = "client.output"
)

type outputMode string

const (
	outputJSON outputMode = "json"
	outputYAML outputMode = "yaml"
)

type clientCLIConfig struct{}

func addClientConnectionFlags(cmd *cobra.Command) *clientCLIConfig {
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", "127.0.0.1:3000", "intentd server address (host:port)")
	flags.Duration("timeout", intentdclient.DefaultCallTimeout, "per-call timeout")
	flags.StringP("output", "o", string(outputJSON), "output format (json|yaml)")

	mustBindFlag(clientServerKey, "INTENTD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "INTENTD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientOutputKey, "INTENTD_CLIENT_OUTPUT", flags.Lookup("output"))
	return &clientCLIConfig{}
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

func (c *clientCLIConfig) dial() (*intentdclient.Client, error) {
	addr := strings.TrimSpace(viper.GetString(clientServerKey))
	if addr == "" {
		return nil, fmt.Errorf("server address required (--server or INTENTD_CLIENT_SERVER)")
	}
	return intentdclient.New(addr,
		intentdclient.WithCallTimeout(viper.GetDuration(clientTimeoutKey)),
	)
}

func (c *clientCLIConfig) outputMode() (outputMode, error) {
	mode := outputMode(strings.ToLower(strings.TrimSpace(viper.GetString(clientOutputKey))))
	switch mode {
	case "", outputJSON:
		return outputJSON, nil
	case outputYAML:
		return outputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected json or yaml)", mode)
	}
}

func (c *clientCLIConfig) render(out io.Writer, v any) error {
	mode, err := c.outputMode()
	if err != nil {
		return err
	}
	switch mode {
	case outputYAML:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return err
		}
		yamlBytes, err := convertJSONToYAML(jsonBytes)
		if err != nil {
			return err
		}
		_, err = out.Write(yamlBytes)
		return err
	default:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func convertJSONToYAML(data []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func clientCtx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newIntentCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Declare, verify, and inspect intents on a running intentd server",
	}
	cmd.AddCommand(
		newIntentDeclareCommand(cfg),
		newIntentVerifyCommand(cfg),
		newIntentListCommand(cfg),
		newIntentStatusCommand(cfg),
	)
	return cmd
}

func newIntentDeclareCommand(cfg *clientCLIConfig) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "declare <goal>",
		Short: "Declare a new intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			res, err := cli.DeclareIntent(clientCtx(cmd), api.DeclareParams{
				Goal:        args[0],
				Description: description,
			})
			if err != nil {
				return err
			}
			return cfg.render(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "optional human-readable description")
	return cmd
}

func newIntentVerifyCommand(cfg *clientCLIConfig) *cobra.Command {
	var agentID string
	var evidencePath string
	cmd := &cobra.Command{
		Use:   "verify <intent-id> [evidence-json]",
		Short: "Submit a verification proof for an intent",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			evidence, err := loadEvidence(args, evidencePath)
			if err != nil {
				return err
			}
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			res, err := cli.VerifyIntent(clientCtx(cmd), api.VerifyParams{
				IntentID: args[0],
				AgentID:  agentID,
				Evidence: evidence,
			})
			if err != nil {
				return err
			}
			return cfg.render(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id submitting the proof")
	cmd.Flags().StringVarP(&evidencePath, "file", "f", "", "read evidence JSON from this path (- for stdin)")
	return cmd
}

func loadEvidence(args []string, path string) (json.RawMessage, error) {
	if len(args) > 1 && path != "" {
		return nil, errors.New("evidence given both inline and via --file")
	}
	var data []byte
	switch {
	case len(args) > 1:
		data = []byte(args[1])
	case path == "-":
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		data = in
	case path != "":
		in, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = in
	default:
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("evidence is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newIntentListCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all intents in declaration order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			res, err := cli.ListIntents(clientCtx(cmd))
			if err != nil {
				return err
			}
			return cfg.render(cmd.OutOrStdout(), res)
		},
	}
}

func newIntentStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status <intent-id>",
		Short: "Show one intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			res, err := cli.IntentStatus(clientCtx(cmd), args[0])
			if err != nil {
				return err
			}
			return cfg.render(cmd.OutOrStdout(), res)
		},
	}
}

func newAgentCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage verification agents",
	}
	cmd.AddCommand(
		newAgentSpawnCommand(cfg),
		newAgentTrustCommand(cfg),
	)
	return cmd
}

func newAgentSpawnCommand(cfg *clientCLIConfig) *cobra.Command {
	var names []string
	var capabilities []string
	var count int
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Register verification agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := buildAgentSpecs(names, capabilities, count)
			if err != nil {
				return err
			}
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			res, err := cli.SpawnAgents(clientCtx(cmd), api.SpawnParams{Agents: specs})
			if err != nil {
				return err
			}
			return cfg.render(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "agent name (repeatable; one agent per name)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability attached to every spawned agent (repeatable)")
	cmd.Flags().IntVar(&count, "count", 0, "number of anonymous agents to spawn (ignored when --name is given)")
	return cmd
}

func buildAgentSpecs(names, capabilities []string, count int) ([]api.AgentSpec, error) {
	if len(names) > 0 {
		specs := make([]api.AgentSpec, 0, len(names))
		for _, name := range names {
			specs = append(specs, api.AgentSpec{Name: name, Capabilities: capabilities})
		}
		return specs, nil
	}
	if count <= 0 {
		return nil, errors.New("either --name or --count is required")
	}
	specs := make([]api.AgentSpec, count)
	for i := range specs {
		specs[i] = api.AgentSpec{Capabilities: capabilities}
	}
	return specs, nil
}

func newAgentTrustCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "trust <agent-id> <score>",
		Short: "Set an agent's trust score (0.0 to 1.0)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("parse score %q: %w", args[1], err)
			}
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			res, err := cli.SetTrust(clientCtx(cmd), args[0], score)
			if err != nil {
				return err
			}
			return cfg.render(cmd.OutOrStdout(), res)
		},
	}
}

func newInfoCommand(cfg *clientCLIConfig) *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show server identity, entity counts, and capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			for {
				res, err := cli.SystemInfo(clientCtx(cmd))
				if err != nil {
					return err
				}
				if err := cfg.render(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if watch <= 0 {
					return nil
				}
				select {
				case <-clientCtx(cmd).Done():
					return nil
				case <-time.After(watch):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "re-poll at this interval (0 prints once)")
	return cmd
}
