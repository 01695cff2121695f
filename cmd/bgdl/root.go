package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/handiism/background-downloader/internal/config"
)

var (
	configPath    string
	downloadsPath string
	maxActive     int
	verbose       bool

	settings *config.Settings
	log      *logrus.Logger

	rootCmd = &cobra.Command{
		Use:   "bgdl",
		Short: "Resumable background downloads with mirror fallback.",
		Long: "bgdl downloads files over HTTP, resuming interrupted transfers and falling back to mirror URLs. " +
			"Unfinished downloads are kept in the session directory and picked up again on the next run.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log = newLogger(verbose)

			s, err := config.LoadEffective(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("output") {
				s.DownloadsPath = downloadsPath
			}
			if cmd.Flags().Changed("max-active") {
				s.PlatformMaxActiveDownloads = maxActive
			}
			if err := s.Validate(); err != nil {
				return err
			}
			settings = s
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML settings file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVarP(&downloadsPath, "output", "o", "", "directory for finished downloads")
	rootCmd.PersistentFlags().IntVar(&maxActive, "max-active", 0, "maximum concurrent foreground transfers")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose manager events")

	rootCmd.AddCommand(getCmd, tasksCmd, configCmd)
}
