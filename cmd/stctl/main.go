// stctl inspects a state transfer datastore: stored checkpoints, the
// fetching state, and reserved-page snapshots.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftengine/bcst/datastore"
)

var dbDir string

func openStore() (*datastore.Store, func(), error) {
	name := filepath.Base(dbDir)
	dir := filepath.Dir(dbDir)
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open datastore at %s: %w", dbDir, err)
	}
	return datastore.New(db), func() { _ = db.Close() }, nil
}

func main() {
	root := &cobra.Command{
		Use:   "stctl",
		Short: "Inspect a state transfer datastore",
	}
	root.PersistentFlags().StringVar(&dbDir, "db", "", "path to the datastore directory")
	_ = root.MarkPersistentFlagRequired("db")

	root.AddCommand(statusCmd(), checkpointsCmd(), pageCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fetching state and checkpoint range",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			stamp, ok := store.GetConfigStamp()
			if !ok {
				return fmt.Errorf("datastore at %s is not initialized", dbDir)
			}
			fmt.Printf("replica:               %d (f=%d)\n", stamp.MyReplicaID, stamp.FVal)
			fmt.Printf("reserved pages:        %d x %d bytes\n",
				stamp.NumberOfReservedPages, stamp.SizeOfReservedPage)
			first, _ := store.FirstStoredCheckpoint()
			last, _ := store.LastStoredCheckpoint()
			fmt.Printf("stored checkpoints:    [%d, %d] (%d of max %d)\n",
				first, last, store.NumStoredCheckpoints(), stamp.MaxStoredCheckpoints)
			fmt.Printf("fetching:              %v\n", store.IsFetching())
			if store.IsFetching() {
				fmt.Printf("required blocks:       [%d, %d]\n",
					store.FirstRequiredBlock(), store.LastRequiredBlock())
				if desc, ok := store.CheckpointBeingFetched(); ok {
					fmt.Printf("checkpoint being fetched: %d (lastBlock=%d)\n",
						desc.CheckpointNum, desc.LastBlock)
				}
			}
			return nil
		},
	}
}

func checkpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoint descriptors",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			first, ok := store.FirstStoredCheckpoint()
			if !ok {
				fmt.Println("no stored checkpoints")
				return nil
			}
			last, _ := store.LastStoredCheckpoint()
			for n := first; n <= last; n++ {
				desc, ok := store.GetCheckpointDesc(n)
				if !ok {
					continue
				}
				fmt.Printf("checkpoint %d: lastBlock=%d blockDigest=%s pagesDigest=%s\n",
					desc.CheckpointNum, desc.LastBlock,
					desc.DigestOfLastBlock, desc.DigestOfResPagesDescriptor)
			}
			return nil
		},
	}
}

func pageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "page <page-id>",
		Short: "Show the snapshots of one reserved page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pageID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid page id %q: %w", args[0], err)
			}
			store, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			if page, ok := store.GetPendingResPage(uint32(pageID)); ok {
				fmt.Printf("pending: %d bytes\n", len(page))
			}
			for _, n := range store.SnapshotsOfPage(uint32(pageID)) {
				page, _ := store.GetResPage(uint32(pageID), n)
				fmt.Printf("checkpoint %d: digest=%s\n", n, page.PageDigest)
			}
			return nil
		},
	}
}
