package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/iconstore"
	"github.com/korylprince/ios-app-inventory/iconstore/disk"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func (a *app) newIconsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "icons",
		Short: "Manage cached application icons",
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Save every application's icon to a directory as <bundle-id>.png",
		Args:  cobra.NoArgs,
		RunE:  a.exportIcons,
	}
	export.Flags().StringP("dir", "d", "", "output directory (default the icon cache directory)")
	export.Flags().Bool("refresh", false, "reload icons that are already in the directory")

	cmd.AddCommand(export)
	return cmd
}

// missingIcons returns the ids that aren't stored in s
func missingIcons(s iconstore.Store, ids []string) []string {
	var missing []string
	for _, id := range ids {
		if _, err := s.Get(id); errors.Is(err, iconstore.ErrNotFound) {
			missing = append(missing, id)
		}
	}
	return missing
}

func (a *app) exportIcons(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	refresh, _ := cmd.Flags().GetBool("refresh")
	if dir == "" {
		dir = a.conf.Icons.CacheDir
	}
	if dir == "" {
		return errors.New("no output directory: use --dir or set icons.cache_dir")
	}

	store, err := disk.New(dir)
	if err != nil {
		return err
	}

	h, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer h.Close()

	apps, err := inventory.NewLister[icon.PNG](nil, inventory.WithLogger(a.log)).ListInstalledAppsWithIcons(cmd.Context(), h)
	if err != nil {
		return err
	}

	ids := apps.BundleIDs()
	if refresh {
		for _, id := range ids {
			if err = store.Remove(id); err != nil {
				return err
			}
		}
	} else {
		ids = missingIcons(store, ids)
	}
	if len(ids) == 0 {
		a.log.WithField("dir", dir).Info("all icons already exported")
		return nil
	}

	bar := progressbar.NewOptions(len(ids),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "━",
			SaucerHead:    "╸",
			SaucerPadding: " ",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription("Icons"),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
	)

	load := func(ctx context.Context, bundleID string) ([]byte, error) {
		defer bar.Add(1)
		data, err := h.IconPNG(ctx, bundleID)
		if errors.Is(err, device.ErrUnavailable) || errors.Is(err, device.ErrClosed) {
			return nil, icon.Abort(err)
		}
		return data, err
	}

	if err = icon.NewFetcher(a.log, store).Prefetch(cmd.Context(), ids, load); err != nil {
		return err
	}

	exported := len(ids) - len(missingIcons(store, ids))
	a.log.WithFields(logrus.Fields{"dir": dir, "exported": exported, "total": len(apps)}).Info("exported icons")
	return nil
}
