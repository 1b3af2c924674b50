package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/iconstore"
	"github.com/korylprince/ios-app-inventory/iconstore/disk"
	"github.com/korylprince/ios-app-inventory/iconstore/mem"
	"github.com/spf13/cobra"
)

// fetcher returns an icon.Fetcher backed by an in-memory cache and, if configured, the disk cache.
// The returned func releases the memory cache
func (a *app) fetcher() (*icon.Fetcher, func(), error) {
	m := mem.New(a.conf.Icons.MemSize, time.Duration(a.conf.Icons.MemTTL))
	stores := []iconstore.Store{m}

	if a.conf.Icons.CacheDir != "" {
		d, err := disk.New(a.conf.Icons.CacheDir)
		if err != nil {
			m.Close()
			return nil, nil, err
		}
		stores = append(stores, d)
	}

	return icon.NewFetcher(a.log, stores...), func() { m.Close() }, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

func (a *app) newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the applications installed on a device",
		Args:  cobra.NoArgs,
		RunE:  a.listApps,
	}

	cmd.Flags().BoolP("json", "j", false, "Print output in JSON format")
	cmd.Flags().StringP("type", "t", string(device.AppTypeAny), "application type: User, System, or Any")
	cmd.Flags().Bool("no-icons", false, "don't load icons")
	cmd.Flags().Bool("strict", false, "fail if an application is missing its identifier or version")
	cmd.Flags().StringP("search", "s", "", "only show applications whose name or bundle identifier contains this")

	return cmd
}

func (a *app) listApps(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	jsonFlag, _ := flags.GetBool("json")
	noIcons, _ := flags.GetBool("no-icons")
	strict, _ := flags.GetBool("strict")
	query, _ := flags.GetString("search")
	typeFlag, _ := flags.GetString("type")

	typ, err := device.ParseAppType(typeFlag)
	if err != nil {
		return err
	}

	opts := []inventory.Option{inventory.WithAppType(typ), inventory.WithLogger(a.log)}
	if noIcons {
		opts = append(opts, inventory.WithoutIcons())
	} else {
		f, release, err := a.fetcher()
		if err != nil {
			return err
		}
		defer release()
		opts = append(opts, inventory.WithFetcher(f))
	}
	if strict {
		opts = append(opts, inventory.Strict())
	}

	h, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer h.Close()

	l := inventory.NewLister[icon.PNG](icon.PNGDecoder{MaxSize: a.conf.Icons.MaxSize}, opts...)
	dir, err := l.ListInstalledAppsWithIcons(cmd.Context(), h)
	if err != nil {
		return err
	}

	entries := dir.Search(query)

	if jsonFlag {
		out := make(inventory.Directory[icon.PNG], len(entries))
		for _, e := range entries {
			out[e.BundleID] = e.Record
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}

	data := make([][]string, 0, len(entries))
	for _, e := range entries {
		hasIcon := "no"
		if e.Icon != nil {
			hasIcon = "yes"
		}
		data = append(data, []string{e.Name, e.BundleID, e.Version, e.Build, hasIcon})
	}
	showTable(cmd.OutOrStdout(), []string{"Name", "Bundle ID", "Version", "Build", "Icon"}, data)
	return nil
}

func (a *app) newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List a device's debuggable, launchable, and system applications",
		Args:  cobra.NoArgs,
		RunE:  a.showCatalog,
	}

	cmd.Flags().BoolP("json", "j", false, "Print output in JSON format")
	cmd.Flags().StringP("search", "s", "", "only show applications whose name or bundle identifier contains this")

	return cmd
}

func (a *app) showCatalog(cmd *cobra.Command, args []string) error {
	jsonFlag, _ := cmd.Flags().GetBool("json")
	query, _ := cmd.Flags().GetString("search")

	h, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer h.Close()

	c, err := inventory.NewLister[icon.PNG](nil, inventory.WithLogger(a.log)).Catalog(cmd.Context(), h)
	if err != nil {
		return err
	}
	c = c.Search(query)

	if jsonFlag {
		return writeJSON(cmd.OutOrStdout(), c)
	}

	var data [][]string
	for _, section := range []struct {
		name string
		apps map[string]string
	}{{"Debuggable", c.Debuggable}, {"Launchable", c.Launchable}, {"System", c.System}} {
		for _, na := range inventory.SortedApps(section.apps) {
			data = append(data, []string{section.name, na.Name, na.BundleID})
		}
	}
	showTable(cmd.OutOrStdout(), []string{"Section", "Name", "Bundle ID"}, data)
	return nil
}

func (a *app) newIconCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "icon <bundle-id>",
		Short: "Save an application's icon as a PNG",
		Args:  cobra.ExactArgs(1),
		RunE:  a.saveIcon,
	}

	cmd.Flags().StringP("output", "o", "", "output file (default <bundle-id>.png, - for stdout)")
	cmd.Flags().Int("size", 0, "scale the icon to fit inside size×size")

	return cmd
}

func (a *app) saveIcon(cmd *cobra.Command, args []string) error {
	bundleID := args[0]
	output, _ := cmd.Flags().GetString("output")
	size, _ := cmd.Flags().GetInt("size")
	if output == "" {
		output = bundleID + ".png"
	}
	if !cmd.Flags().Changed("size") {
		size = a.conf.Icons.MaxSize
	}

	f, release, err := a.fetcher()
	if err != nil {
		return err
	}
	defer release()

	h, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer h.Close()

	data, err := f.Get(cmd.Context(), bundleID, h.IconPNG)
	if err != nil {
		return fmt.Errorf("could not get icon for %s: %w", bundleID, err)
	}

	png, err := icon.PNGDecoder{MaxSize: size}.Decode(data)
	if err != nil {
		return fmt.Errorf("could not decode icon for %s: %w", bundleID, err)
	}

	if output == "-" {
		_, err = cmd.OutOrStdout().Write(png)
		return err
	}
	if err = os.WriteFile(output, png, 0644); err != nil {
		return fmt.Errorf("could not write icon: %w", err)
	}
	a.log.WithField("path", output).Info("saved icon")
	return nil
}
