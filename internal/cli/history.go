package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/boop-network/boop/internal/daemon"
	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/sqlite"
)

func init() {
	historyCmd.Flags().StringVar(&historyPeer, "peer", "", "only show entries for this peer")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum entries to show")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "delete entries older than this")
	historyCmd.AddCommand(historyKnownCmd, historyPruneCmd, historyStatsCmd)
	rootCmd.AddCommand(historyCmd)
}

var (
	historyPeer      string
	historyLimit     int
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the interaction journal",
	RunE:  runHistory,
}

var historyKnownCmd = &cobra.Command{
	Use:   "known",
	Short: "List every peer ever seen",
	RunE:  runHistoryKnown,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old journal entries",
	RunE:  runHistoryPrune,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count journal entries by kind",
	RunE:  runHistoryStats,
}

// openDB opens the daemon's database. WAL mode lets this run next to a
// live daemon.
func openDB() (*sqlite.DB, error) {
	return sqlite.Open(daemon.BoopHome())
}

func runHistory(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var entries []domain.HistoryEntry
	if historyPeer != "" {
		id, perr := domain.ParsePeerID(historyPeer)
		if perr != nil {
			return perr
		}
		entries, err = db.HistoryForPeer(id, historyLimit)
	} else {
		entries, err = db.History(historyLimit)
	}
	if err != nil {
		return err
	}
	return printHistory(os.Stdout, entries)
}

func printHistory(out io.Writer, entries []domain.HistoryEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No history yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPEER\tEVENT\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.At.Local().Format("2006-01-02 15:04:05"), e.Peer.Short(), e.Kind, e.Detail)
	}
	return w.Flush()
}

func runHistoryKnown(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	peers, err := db.ListKnownPeers(historyLimit)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("No peers seen yet.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFIRST SEEN\tLAST SEEN\tSIGHTINGS\tBOOPS SENT\tBOOPS RECEIVED")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			p.ID,
			p.FirstSeen.Local().Format("2006-01-02 15:04"),
			ago(p.LastSeen),
			p.Sightings, p.BoopsSent, p.BoopsReceived,
		)
	}
	return w.Flush()
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.PruneHistory(time.Now().Add(-historyOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d entries older than %s\n", n, historyOlderThan)
	return nil
}

func runHistoryStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := db.HistoryCounts()
	if err != nil {
		return err
	}
	kinds := make([]domain.EventKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tCOUNT")
	for _, k := range kinds {
		fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
	}
	return w.Flush()
}
