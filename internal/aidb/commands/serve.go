package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ai-debugger-inc/aidb/internal/tools"
)

func NewServeCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve debugging tools to an MCP client over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := rootCmdLogger.Logger

			cfg, cfgErr := loadConfig()
			if cfgErr != nil {
				return cfgErr
			}

			manager, sessions, ports, wireErr := newSessionManager(cfg, log)
			if wireErr != nil {
				return wireErr
			}
			defer func() {
				// Destroy any sessions the client left behind before the
				// port registry goes away.
				ctx := cmd.Context()
				for _, sess := range sessions.List() {
					if destroyErr := manager.Destroy(ctx, sess); destroyErr != nil {
						log.Error(destroyErr, "Session cleanup on shutdown failed", "sessionId", sess.ID())
					}
				}
				if closeErr := ports.Close(); closeErr != nil {
					log.Error(closeErr, "Port registry shutdown failed")
				}
			}()

			log.Info("Serving MCP tools on stdio", "version", Version)
			if serveErr := tools.NewServer(Version, manager, sessions, log).ServeStdio(); serveErr != nil {
				return fmt.Errorf("MCP server failed: %w", serveErr)
			}
			return nil
		},
	}
	return cmd, nil
}
