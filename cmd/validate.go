package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check a router config file and report every problem",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := readConfig(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := cfg.Validate(); err != nil {
			errs := multierr.Errors(err)
			for _, e := range errs {
				fmt.Println(e)
			}
			logrus.Fatalf("Config is invalid: %d problem(s)", len(errs))
		}
		mode := "regular"
		if cfg.IsPD() {
			mode = fmt.Sprintf("prefill/decode (prefill %s, decode %s)", cfg.EffectivePrefillPolicy(), cfg.EffectiveDecodePolicy())
		}
		fmt.Printf("Config OK: %s mode, policy %s, %d worker(s), %d prefill, %d decode\n",
			mode, cfg.Policy, len(cfg.WorkerURLs), len(cfg.PrefillURLs), len(cfg.DecodeURLs))
	},
}

func init() {
	addRouterFlags(validateCmd.Flags())
	rootCmd.AddCommand(validateCmd)
}
