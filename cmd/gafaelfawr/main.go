package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gafaelfawr",
		Short: "Authentication and identity gateway",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.PersistentFlags().String("config", "/etc/gafaelfawr/gafaelfawr.yaml", "path to the configuration file")
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandGenerateKey())
	rootCmd.AddCommand(commandGenerateToken())
	rootCmd.AddCommand(commandDeleteAllTokens())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
