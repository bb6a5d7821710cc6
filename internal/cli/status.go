package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/boop-network/boop/internal/app/session"
	"github.com/boop-network/boop/internal/infra/scheduler"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's status",
	RunE:  runStatus,
}

type statusResponse struct {
	Version string              `json:"version"`
	Node    session.Status      `json:"node"`
	Boops   scheduler.BoopStats `json:"boops"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var st statusResponse
	if err := c.get("/api/status", nil, &st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Node:\t%s\n", st.Node.Self)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)
	fmt.Fprintf(w, "Running:\t%v\n", st.Node.Running)
	fmt.Fprintf(w, "Peers visible:\t%d\n", st.Node.PeersVisible)
	fmt.Fprintf(w, "Connected:\t%d\n", st.Node.Connected)
	fmt.Fprintf(w, "Ranging:\t%d sessions (enabled=%v)\n", st.Node.RangingSessions, st.Node.RangingEnabled)
	fmt.Fprintf(w, "Boops:\t%d queued, %d sent, %d retries, %d exhausted\n",
		st.Boops.Pending, st.Boops.TotalSent, st.Boops.TotalRetries, st.Boops.TotalExhausted)
	fmt.Fprintf(w, "Last sweep:\t%s\n", ago(st.Node.LastSweep))
	return w.Flush()
}
