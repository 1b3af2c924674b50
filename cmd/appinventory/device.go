package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/session"
	"github.com/korylprince/ios-app-inventory/device/tcp"
	"github.com/korylprince/ios-app-inventory/device/usbmux"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func showTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)

	for _, v := range data {
		table.Append(v)
	}

	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.Render()
}

// provider returns the device.Provider for udid, dialing directly if an address is configured
func (a *app) provider(ctx context.Context, udid string) (device.Provider, error) {
	if a.conf.Device.Address != "" {
		if a.conf.Device.PairingFile == "" {
			return nil, fmt.Errorf("a pairing file is required to connect to %s", a.conf.Device.Address)
		}
		p, err := tcp.NewFromFile(a.conf.Device.Address, a.conf.Device.PairingFile)
		if err != nil {
			return nil, fmt.Errorf("could not load pairing file: %w", err)
		}
		if udid != "" && p.UDID() != udid {
			return nil, fmt.Errorf("could not find %s at %s: %w", udid, a.conf.Device.Address, usbmux.ErrDeviceNotFound)
		}
		return p, nil
	}

	p, err := usbmux.NewProvider(ctx, usbmux.New(a.conf.Device.Usbmux), udid)
	if err != nil {
		return nil, fmt.Errorf("could not find device: %w", err)
	}
	return p, nil
}

func (a *app) sessionOptions() *session.Options {
	return &session.Options{
		Label:          a.conf.Device.Label,
		ConnectTimeout: time.Duration(a.conf.Device.ConnectTimeout),
		Logger:         a.log,
	}
}

// open opens a session to the device selected on the command line
func (a *app) open(ctx context.Context) (*session.Handle, error) {
	p, err := a.provider(ctx, a.udid)
	if err != nil {
		return nil, err
	}
	return session.Open(ctx, p, a.sessionOptions())
}

// connector opens sessions for the HTTP service and watcher
func (a *app) connector() inventory.Connector {
	return func(ctx context.Context, udid string) (inventory.Device, error) {
		p, err := a.provider(ctx, udid)
		if err != nil {
			return nil, err
		}
		h, err := session.Open(ctx, p, a.sessionOptions())
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (a *app) newDevicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices attached to usbmuxd",
		Args:  cobra.NoArgs,
		RunE:  a.listDevices,
	}

	cmd.Flags().Bool("info", false, "connect to each device to show its name and iOS version")

	return cmd
}

func (a *app) listDevices(cmd *cobra.Command, args []string) error {
	info, err := cmd.Flags().GetBool("info")
	if err != nil {
		return err
	}

	c := usbmux.New(a.conf.Device.Usbmux)
	devices, err := c.Devices(cmd.Context())
	if err != nil {
		return err
	}

	header := []string{"UDID", "Connection", "Device ID"}
	if info {
		header = append(header, "Name", "Product", "iOS")
	}

	data := make([][]string, 0, len(devices))
	for _, d := range devices {
		row := []string{d.Properties.SerialNumber, d.Properties.ConnectionType, strconv.Itoa(d.DeviceID)}
		if info {
			row = append(row, a.deviceInfo(cmd.Context(), c, d)...)
		}
		data = append(data, row)
	}

	showTable(cmd.OutOrStdout(), header, data)
	return nil
}

func (a *app) deviceInfo(ctx context.Context, c *usbmux.Client, d *usbmux.Device) []string {
	log := a.log.WithField("udid", d.Properties.SerialNumber)

	p, err := usbmux.NewProvider(ctx, c, d.Properties.SerialNumber)
	if err != nil {
		log.WithError(err).Debug("could not find device")
		return []string{"", "", ""}
	}

	h, err := session.Open(ctx, p, a.sessionOptions())
	if err != nil {
		log.WithError(err).Warn("could not open session")
		return []string{"", "", ""}
	}
	defer h.Close()

	i, err := h.Info(ctx)
	if err != nil {
		log.WithError(err).Warn("could not get device info")
		return []string{"", "", ""}
	}
	return []string{i.Name, i.ProductType, i.ProductVersion}
}
