package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thumbcache/internal/service"
	"github.com/scttfrdmn/thumbcache/pkg/types"
)

var clearCmd = &cobra.Command{
	Use:   "clear [ASSET...]",
	Short: "Remove cached thumbnails from disk",
	Long:  "Remove the cached thumbnails of the given assets, or the whole disk cache when no asset is named.",
	RunE:  runClear,
}

func runClear(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	}()

	disk := svc.Disk()
	if disk == nil {
		return fmt.Errorf("the disk cache is disabled")
	}

	files, bytes, err := disk.Usage()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		if err := disk.ClearAll(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d files (%s) from %s\n",
			files, humanize.IBytes(uint64(bytes)), disk.Directory())
		return nil
	}

	for _, a := range args {
		if err := svc.Orchestrator().Invalidate(types.AssetID(a)); err != nil {
			return err
		}
	}
	after, afterBytes, err := disk.Usage()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d files (%s) for %d assets\n",
		files-after, humanize.IBytes(uint64(bytes-afterBytes)), len(args))
	return nil
}
