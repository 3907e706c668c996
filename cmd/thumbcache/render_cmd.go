package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thumbcache/internal/service"
	"github.com/scttfrdmn/thumbcache/pkg/types"
)

var (
	renderOpts   renderFlags
	renderOutput string

	renderCmd = &cobra.Command{
		Use:   "render ASSET",
		Short: "Render one thumbnail through the cache",
		Long:  "Render one thumbnail through the memory and disk caches and write it as PNG.",
		Args:  cobra.ExactArgs(1),
		RunE:  runRender,
	}
)

func runRender(cmd *cobra.Command, args []string) error {
	params, err := renderOpts.params()
	if err != nil {
		return err
	}

	svc, err := newService(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	}()

	start := time.Now()
	res, err := svc.Orchestrator().Request(cmd.Context(), types.AssetID(args[0]), params)
	if err != nil {
		return err
	}

	out := renderOutput
	if out == "" {
		out = res.Key.Digest()[:16] + ".png"
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := png.Encode(f, res.Bitmap.Image()); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s  %dx%d  %s  %s  %s\n",
		out, res.Bitmap.Width, res.Bitmap.Height,
		humanize.IBytes(uint64(res.Bitmap.Cost())), res.Outcome, time.Since(start).Round(time.Microsecond))
	return nil
}

func init() {
	renderOpts.register(renderCmd)
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "output PNG path (default <key>.png)")
}
