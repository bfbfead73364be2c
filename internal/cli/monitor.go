package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dexmonitor/internal/app"
)

var (
	monitorChatID    int64
	monitorChatType  string
	monitorChain     string
	monitorThreshold string
	monitorListAll   bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Manage token monitors",
}

var monitorCreateCmd = &cobra.Command{
	Use:   "create <tokenAddress>",
	Short: "Create an active monitor for a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if monitorChatID == 0 {
			return fmt.Errorf("--chat is required")
		}
		return getApp().CreateMonitor(cmd.Context(), app.CreateMonitorOptions{
			ChatID:       monitorChatID,
			ChatType:     monitorChatType,
			ChainID:      monitorChain,
			TokenAddress: args[0],
			ThresholdPct: monitorThreshold,
		})
	},
}

var monitorStopCmd = &cobra.Command{
	Use:   "stop <monitorID>",
	Short: "Deactivate a monitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMonitorID(args[0])
		if err != nil {
			return err
		}
		return getApp().StopMonitor(cmd.Context(), id)
	},
}

var monitorReactivateCmd = &cobra.Command{
	Use:   "reactivate <monitorID>",
	Short: "Reactivate a stopped monitor with a fresh baseline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMonitorID(args[0])
		if err != nil {
			return err
		}
		return getApp().ReactivateMonitor(cmd.Context(), id)
	},
}

var monitorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a chat's monitors",
	RunE: func(cmd *cobra.Command, args []string) error {
		if monitorChatID == 0 {
			return fmt.Errorf("--chat is required")
		}
		return getApp().ShowMonitors(cmd.Context(), app.MonitorListOptions{ChatID: monitorChatID, All: monitorListAll})
	},
}

func parseMonitorID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid monitor id %q", arg)
	}
	return id, nil
}

func init() {
	monitorCmd.PersistentFlags().Int64Var(&monitorChatID, "chat", 0, "Telegram chat id")

	monitorCreateCmd.Flags().StringVar(&monitorChain, "chain", "", "Chain id (defaults to fetcher.default_chain)")
	monitorCreateCmd.Flags().StringVar(&monitorThreshold, "threshold", "", "Threshold percent (defaults to telegram.default_threshold)")
	monitorCreateCmd.Flags().StringVar(&monitorChatType, "chat-type", "private", "Chat type recorded for a new chat")

	monitorListCmd.Flags().BoolVar(&monitorListAll, "all", false, "Include inactive monitors")

	monitorCmd.AddCommand(monitorCreateCmd, monitorStopCmd, monitorReactivateCmd, monitorListCmd)
}
