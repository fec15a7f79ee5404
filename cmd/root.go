package cmd

import (
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/arbengine/utils"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "arbengine",
	Short: "Real-time on-chain arbitrage detection and execution engine",
	Long: `arbengine maintains an in-memory liquidity graph from streaming feeds,
searches it for profitable swap cycles on every state change, and lands the
winners as atomic flashloan bundles through private relays.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./arbengine.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initLogging() {
	utils.InitLogger(debug)
}
