package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/wbKV/cmd/bench"
	"github.com/ValentinKolb/wbKV/cmd/util"
	"github.com/ValentinKolb/wbKV/lib/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "wbkv",
		Short: "write-behind key-value cache",
		Long: fmt.Sprintf(`wbKV (v%s)

A write-behind caching engine written in Go: writes are acknowledged with
immediate in-memory visibility, coalesced per key and persisted to a durable
backing store asynchronously in batches.`, Version),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := util.BindCommandFlags(cmd); err != nil {
				return err
			}
			common.InitLoggers(viper.GetString("log-level"))
			return nil
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of wbKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wbKV v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warning", util.WrapString("log level to use (debug, info, warning, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
