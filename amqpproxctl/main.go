package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xansec/amqpprox/internal/auth"
)

var (
	endpointFlag string
	secretFlag   string
	roleFlag     string
	insecureFlag bool
	timeoutFlag  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "amqpproxctl",
	Short: "Control a running amqpprox instance.",
	Long: `amqpproxctl talks to the amqpprox control endpoint over a websocket,
authenticating with a JWT minted from the shared control secret.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&endpointFlag, "endpoint", "127.0.0.1:15673", "Control endpoint (host:port or ws(s):// URL).")
	rootCmd.PersistentFlags().StringVar(&secretFlag, "secret", "", "Shared control secret used to mint the auth token.")
	rootCmd.PersistentFlags().StringVar(&roleFlag, "role", auth.RoleAdmin, "Token role (admin or read-only).")
	rootCmd.PersistentFlags().BoolVar(&insecureFlag, "insecure", false, "Skip TLS certificate verification.")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "Command timeout.")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(limitCmd)
	rootCmd.AddCommand(alarmCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(procStatsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
}
