package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/korylprince/ios-app-inventory/config"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/spf13/cobra"
)

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logger.New(a.logLevel, a.logFormat)
			if err != nil {
				return err
			}
			a.conf = config.Default()
			a.log = l
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.path())
			return nil
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE:  a.initConfig,
	}
	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func (a *app) path() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.Path()
}

func (a *app) initConfig(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	path := a.path()

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; use --force to overwrite it", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	a.log.WithField("path", path).Info("wrote config")
	return nil
}
