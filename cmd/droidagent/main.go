package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-droidagent/internal/config"
	"go-droidagent/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "droidagent",
	Short:         "Drive Android devices towards natural-language goals.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(viper.New(), cfgFile); err != nil {
			return err
		}
		return logger.NewGlobal(cfg.Logger.Level, cfg.Logger.Pretty)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./droidagent.yaml)")
	rootCmd.AddCommand(serveCmd, bridgeCmd, pairCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if cfg != nil {
			log.Error().Err(err).Msg("command failed")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
