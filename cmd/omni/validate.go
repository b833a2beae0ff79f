package main

import (
	"fmt"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/omni/internal/config"
)

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		path := goutils.Env("OMNI_CONFIG", validateConfigPath)
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok (storage=%s, channels=%d, agent providers=%d, automations enabled=%v)\n",
			path, cfg.StorageDriverName(), len(cfg.Channels), len(cfg.Agents.Providers), cfg.Automation.IsEnabled())
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}
