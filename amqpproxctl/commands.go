package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xansec/amqpprox/internal/control"
)

var (
	limitSession string
	alarmSession string
)

func init() {
	limitCmd.Flags().StringVar(&limitSession, "session", "", "Apply to one session instead of all.")
	alarmCmd.Flags().StringVar(&alarmSession, "session", "", "Apply to one session instead of all.")
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the control endpoint is up and the token is accepted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := runCommand(control.Command{Action: control.ActionPing})
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := runCommand(control.Command{Action: control.ActionListSessions})
		if err != nil {
			return err
		}
		printSessions(resp.Sessions)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Show one session in detail.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := runCommand(control.Command{Action: control.ActionSessionStats, SessionID: args[0]})
		if err != nil {
			return err
		}
		return printJSON(resp.Session)
	},
}

var limitCmd = &cobra.Command{
	Use:   "limit <bytes-per-second>",
	Short: "Set the inbound read rate limit. Zero disables it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bytes-per-second %q: %w", args[0], err)
		}
		resp, err := runCommand(control.Command{Action: control.ActionSetRateLimit, SessionID: limitSession, Value: value})
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var alarmCmd = &cobra.Command{
	Use:   "alarm <bytes-per-second>",
	Short: "Set the inbound read rate alarm threshold. Zero disables it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bytes-per-second %q: %w", args[0], err)
		}
		resp, err := runCommand(control.Command{Action: control.ActionSetRateAlarm, SessionID: alarmSession, Value: value})
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close one session gracefully.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := runCommand(control.Command{Action: control.ActionCloseSession, SessionID: args[0]})
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var procStatsCmd = &cobra.Command{
	Use:   "procstats",
	Short: "Show resource usage of the proxy process and its host.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := runCommand(control.Command{Action: control.ActionProcStats})
		if err != nil {
			return err
		}
		return printJSON(resp.Proc)
	},
}
