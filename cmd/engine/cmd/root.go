// Package cmd implements the engine binary's CLI commands.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/ericcug/streamengine/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd is the base command when the binary is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Adaptive streaming orchestration engine",
	Long: `engine drives a DASH playback session end to end: manifest
refresh, bandwidth/ABR estimation, prioritized segment fetching, and
buffer bookkeeping, exposing a health/metrics surface for its host
application.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, default ./engine.yaml)")
}

// initConfig loads configuration from file, ENGINE_-prefixed environment
// variables, and documented defaults, mirroring tvarr's initConfig.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/streamengine")
	}

	viper.SetEnvPrefix("ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// mustBindPFlag binds a viper key to a cobra flag, panicking on the
// programmer error of an unknown flag name.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
