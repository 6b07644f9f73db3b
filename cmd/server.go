package cmd

import (
	"CoWatch/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动CoWatch服务器",
	Long:  `启动CoWatch房间同步服务，提供房间管理API和WebSocket同步端点`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
