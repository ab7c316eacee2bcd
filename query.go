package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Browse the local network once and list reachable peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		found, err := current.browseOnce(ctx)
		if err != nil && len(found) == 0 {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tHOST\tINSTANCE")
		for _, peer := range found {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.DisplayName(), peer.Endpoint(), peer.HostName, peer.InstanceID)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("No peers found.")
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished transfers, newest first",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		store, err := current.openStore()
		if err != nil {
			return err
		}
		defer current.closeStore(store)

		transfers, err := store.ListTransfers(historyLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tROLE\tSTATE\tFILE\tPEER\tBYTES\tERROR")
		for _, t := range transfers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				t.UpdatedAt.Local().Format(time.DateTime),
				t.Role, t.State, t.Filename, t.PeerName,
				t.BytesTransferred, t.TotalBytes, t.Error)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of transfers to show")
}
