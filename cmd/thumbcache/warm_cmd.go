package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thumbcache/internal/assets"
	"github.com/scttfrdmn/thumbcache/internal/preload"
	"github.com/scttfrdmn/thumbcache/internal/service"
	"github.com/scttfrdmn/thumbcache/pkg/types"
)

var (
	warmOpts     renderFlags
	warmAll      bool
	warmPriority string
	warmTimeout  time.Duration

	warmCmd = &cobra.Command{
		Use:   "warm [ASSET...]",
		Short: "Preload thumbnails into the disk cache",
		Long:  "Queue thumbnails on the preload scheduler and wait until they are rendered or already cached.",
		RunE:  runWarm,
	}
)

func runWarm(cmd *cobra.Command, args []string) error {
	params, err := warmOpts.params()
	if err != nil {
		return err
	}
	priority, err := preload.ParsePriority(warmPriority)
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

	ids := make([]types.AssetID, 0, len(args))
	for _, a := range args {
		ids = append(ids, types.AssetID(a))
	}
	if warmAll {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := assets.NewDirStore(cfg.Assets.Root, svc.Logger())
		if err != nil {
			return err
		}
		listed, err := store.List()
		if err != nil {
			return err
		}
		ids = append(ids, listed...)
	}
	if len(ids) == 0 {
		return fmt.Errorf("nothing to warm: pass asset IDs or --all")
	}

	items := make([]preload.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, preload.Item{Asset: id, Params: params})
	}
	queued := svc.Preload().Schedule(items, priority)

	ctx, cancel := context.WithTimeout(cmd.Context(), warmTimeout)
	defer cancel()
	if err := svc.Preload().Wait(ctx); err != nil {
		return err
	}

	st := svc.Preload().Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "queued %d  rendered %d  cached %d  failed %d  dropped %d\n",
		queued, st.Rendered, st.Hits, st.Failed, st.Dropped)
	if st.Failed > 0 {
		return fmt.Errorf("%d assets failed to render", st.Failed)
	}
	return nil
}

func init() {
	warmOpts.register(warmCmd)
	warmCmd.Flags().BoolVarP(&warmAll, "all", "a", false, "warm every image below the assets directory")
	warmCmd.Flags().StringVarP(&warmPriority, "priority", "p", "normal", "queue priority (low, normal, high)")
	warmCmd.Flags().DurationVar(&warmTimeout, "timeout", 10*time.Minute, "give up waiting after this long")
}
