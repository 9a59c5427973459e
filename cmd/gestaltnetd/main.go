// Command gestaltnetd exercises the networking core from the command line:
// `serve` runs a preprotocol listener plus the UDP network system, and
// `connect` performs a full handshake against a server, sends one chat
// message, and echoes whatever comes back.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "gestaltnetd",
	Short: "Gestalt networking core demo node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		logrus.SetLevel(level)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "logrus level (trace, debug, info, warn, error)")
	flags.String("protocol-dir", "protocol", "directory for identity and noise key storage")
	flags.Bool("accept-changed-keys", false, "automatically accept changed peer protocol keys")

	for _, name := range []string{"log-level", "protocol-dir", "accept-changed-keys"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("GESTALTNET")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
