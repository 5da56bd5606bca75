// Command nexusd is a harness exercising this module's Core end to
// end: a bbolt-backed nonvolatile store, a simulated host satisfying
// nexuscore.HostCollaborators, and subcommands driving the keycode and
// channel-link surfaces the way a real appliance's firmware would.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	v       = viper.New()
	logger  *zap.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexusd",
		Short: "Run and exercise a Nexus PAYG/device-linking core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initViper()
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./nexusd.yaml)")
	cmd.PersistentFlags().String("store-path", "", "bbolt file backing the nonvolatile store")
	v.BindPFlag("store_path", cmd.PersistentFlags().Lookup("store-path"))

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeycodeCmd())
	cmd.AddCommand(newLinkCmd())
	return cmd
}

func initViper() error {
	setViperDefaults(v)
	v.SetEnvPrefix("NEXUSD")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("nexusd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("nexusd: reading config: %w", err)
		}
	}

	l, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("nexusd: building logger: %w", err)
	}
	logger = l
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logger != nil {
		_ = logger.Sync()
	}
}
