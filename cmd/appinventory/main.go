package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/korylprince/ios-app-inventory/config"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// app is the state shared by every command
type app struct {
	configPath string
	conf       *config.Config
	log        *logrus.Logger

	udid        string
	address     string
	pairingFile string
	usbmux      string
	logLevel    string
	logFormat   string
}

// configure loads the configuration and applies command line overrides
func (a *app) configure(cmd *cobra.Command) error {
	conf, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		conf.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		conf.Log.Format = a.logFormat
	}
	if flags.Changed("address") {
		conf.Device.Address = a.address
	}
	if flags.Changed("pairing-file") {
		conf.Device.PairingFile = a.pairingFile
	}
	if flags.Changed("usbmux") {
		conf.Device.Usbmux = a.usbmux
	}
	if err = conf.Validate(); err != nil {
		return err
	}

	l, err := logger.New(conf.Log.Level, conf.Log.Format)
	if err != nil {
		return err
	}

	a.conf = conf
	a.log = l
	return nil
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "appinventory",
		Short:         "Inventory the applications installed on iOS devices",
		Long:          `appinventory lists the applications installed on iOS devices attached through usbmuxd or reachable over the network, serves the inventory over HTTP, and publishes changes to MQTT`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.configure(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", fmt.Sprintf("config file (default %s)", config.Path()))
	flags.StringVar(&a.logLevel, "log-level", "info", "log level")
	flags.StringVar(&a.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVarP(&a.udid, "udid", "u", "", "device UDID (default first USB device)")
	flags.StringVar(&a.address, "address", "", "connect directly to the device at this address")
	flags.StringVar(&a.pairingFile, "pairing-file", "", "pairing file used with --address")
	flags.StringVar(&a.usbmux, "usbmux", "", "usbmuxd address: unix:<path> or <host>:<port>")

	cmd.AddCommand(a.newDevicesCommand())
	cmd.AddCommand(a.newListCommand())
	cmd.AddCommand(a.newCatalogCommand())
	cmd.AddCommand(a.newIconCommand())
	cmd.AddCommand(a.newIconsCommand())
	cmd.AddCommand(a.newServeCommand())
	cmd.AddCommand(a.newTokenCommand())
	cmd.AddCommand(a.newWatchCommand())
	cmd.AddCommand(a.newConfigCommand())

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(new(app)).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
