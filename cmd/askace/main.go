// Command askace answers questions with cited bullets and curates the
// playbook that steers future runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCMD().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCMD() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "askace",
		Short:         "Cited answers from web sources with a self-improving playbook",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(&cfgPath),
		migrateCMD(&cfgPath),
		seedCMD(&cfgPath),
		askCMD(&cfgPath),
		evalCMD(&cfgPath),
		playbookCMD(&cfgPath),
		tokenCMD(&cfgPath),
	)
	return root
}
