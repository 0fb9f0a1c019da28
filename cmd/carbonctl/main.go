package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "carbonctl",
		Short:   "carbonctl - database and account administration for Carbon Snapshot Console",
		Version: Version,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(initDBCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
