package main

import (
	"context"
	"errors"
	"time"

	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/publish"
	"github.com/korylprince/ios-app-inventory/publish/mqtt"
	"github.com/spf13/cobra"
)

func (a *app) newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [udid...]",
		Short: "Poll devices and publish their inventories to MQTT when they change",
		Long:  `Poll devices and publish their inventories to MQTT when they change. Snapshots are retained on <prefix>/<udid>/apps and changes are sent to <prefix>/<udid>/changes. Without arguments, the device selected with --udid (or the first USB device) is watched`,
		RunE:  a.watch,
	}

	cmd.Flags().Duration("interval", 0, "poll interval (default from config, 5m)")
	cmd.Flags().Bool("once", false, "poll once and exit")

	return cmd
}

// listFunc lists a device's apps without icons
func (a *app) listFunc() publish.ListFunc {
	connect := a.connector()
	l := inventory.NewLister[icon.PNG](nil, inventory.WithLogger(a.log))
	return func(ctx context.Context, udid string) (inventory.Directory[icon.PNG], error) {
		d, err := connect(ctx, udid)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return l.ListInstalledAppsWithIcons(ctx, d)
	}
}

func (a *app) watch(cmd *cobra.Command, args []string) error {
	conf := a.conf.MQTT
	if conf.Broker == "" {
		return errors.New("mqtt.broker is not configured")
	}

	interval := time.Duration(conf.Interval)
	if cmd.Flags().Changed("interval") {
		interval, _ = cmd.Flags().GetDuration("interval")
	}
	once, _ := cmd.Flags().GetBool("once")

	udids := args
	if len(udids) == 0 {
		p, err := a.provider(cmd.Context(), a.udid)
		if err != nil {
			return err
		}
		udids = []string{p.UDID()}
	}

	pub, err := mqtt.Connect(mqtt.Options{
		Broker:   conf.Broker,
		ClientID: conf.ClientID,
		Username: conf.Username,
		Password: conf.Password,
		Prefix:   conf.Prefix,
		QoS:      conf.QoS,
	}, a.log)
	if err != nil {
		return err
	}
	defer pub.Close()

	w := publish.NewWatcher(pub, a.listFunc(), a.log)

	if once {
		for _, udid := range udids {
			if _, err = w.Poll(cmd.Context(), udid); err != nil {
				return err
			}
		}
		return nil
	}

	a.log.WithField("devices", len(udids)).WithField("interval", interval).Info("watching")
	return w.Run(cmd.Context(), interval, udids...)
}
