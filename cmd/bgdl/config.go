package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	saveConfigPath string

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings",
		Long:  "Prints the settings after applying the settings file, BGDL_* environment variables and flags.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if saveConfigPath != "" {
				if err := settings.Save(saveConfigPath); err != nil {
					return err
				}
				log.Infof("Settings saved to %s", saveConfigPath)
				return nil
			}

			data, err := yaml.Marshal(settings)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
)

func init() {
	configCmd.Flags().StringVar(&saveConfigPath, "save", "", "write the effective settings to this file instead of printing them")
}
