package main

import (
	"fmt"

	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	var configPath, settings string
	var all bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate a training configuration and print the resulting values",
		Args:  cobra.NoArgs,
		RunE: runE(func(_ *cobra.Command, _ []string) {
			cfg := train.DefaultConfig()
			if configPath != "" {
				cfg = must.M1(train.LoadConfig(configPath))
			}
			keysSet := must.M1(commandline.ParseSettings(cfg, settings))
			if len(keysSet) > 0 {
				fmt.Println(titleStyle.Render("Modified settings"))
				fmt.Println(commandline.SprintModifiedSettings(cfg, keysSet))
			}
			if all || len(keysSet) == 0 {
				fmt.Println(titleStyle.Render("Configuration"))
				fmt.Print(cfg)
			}
		}),
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file. If empty, the default configuration is used.")
	cmd.Flags().StringVar(&settings, "set", "", commandline.SettingsUsage(train.DefaultConfig()))
	cmd.Flags().BoolVar(&all, "all", false, "Print the whole configuration, also when settings are given.")
	return cmd
}
