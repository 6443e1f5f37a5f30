package main

import (
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/textenc/internal/config"
	"github.com/MrWong99/textenc/internal/mcp"
)

func newMCPCmd(reg *config.Registry, loadConfig func() (*config.Config, error)) *cobra.Command {
	var maxTexts int
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the encoder as MCP tools over stdio",
		Long: `Runs a Model Context Protocol server on stdin/stdout exposing the
encode_texts and describe_encoder tools. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, reg)
			if err != nil {
				return err
			}
			defer rt.Close()

			stopTelemetry, err := startTelemetry(ctx, cfg.Telemetry, rt.checkers())
			if err != nil {
				return err
			}
			defer stopTelemetry()

			orch, err := rt.orchestrator(cfg.Batch)
			if err != nil {
				return err
			}
			srv := mcp.NewServer(orch, rt.ns,
				mcp.WithMaxTexts(maxTexts),
				mcp.WithCacheLabel(cacheLabel(cfg.Cache)),
			)
			return srv.Run(ctx, &mcpsdk.StdioTransport{})
		},
	}
	cmd.Flags().IntVar(&maxTexts, "max-texts", mcp.DefaultMaxTexts, "maximum texts per encode_texts call")
	return cmd
}
