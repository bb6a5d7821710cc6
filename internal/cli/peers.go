package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/boop-network/boop/internal/domain"
)

func init() {
	peersCmd.AddCommand(
		peerActionCmd("connect", "Connect to a discovered peer"),
		peerActionCmd("accept", "Accept a pending connection request"),
		peerActionCmd("reject", "Reject a pending connection request"),
		peerActionCmd("disconnect", "Disconnect from a peer"),
		peerActionCmd("boop", "Queue a boop for a peer"),
	)
	rootCmd.AddCommand(peersCmd)
}

var peersCmd = &cobra.Command{
	Use:     "peers",
	Aliases: []string{"ls"},
	Short:   "List nearby peers",
	RunE:    runPeers,
}

// peerRow mirrors the API's peer view with enums as their names.
type peerRow struct {
	ID         domain.PeerID `json:"id"`
	Visible    bool          `json:"visible"`
	LastSeen   time.Time     `json:"last_seen"`
	RSSI       int           `json:"rssi"`
	Connection struct {
		State  string `json:"state"`
		Reason string `json:"reason"`
	} `json:"connection"`
	PendingRequest bool   `json:"pending_request"`
	Ranging        bool   `json:"ranging"`
	Tier           string `json:"tier"`
	BoopQueued     bool   `json:"boop_queued"`
}

type peersResponse struct {
	Self  domain.PeerID `json:"self"`
	Peers []peerRow     `json:"peers"`
	Count int           `json:"count"`
}

func runPeers(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var resp peersResponse
	if err := c.get("/api/peers", nil, &resp); err != nil {
		return err
	}
	return printPeers(os.Stdout, resp)
}

func printPeers(out io.Writer, resp peersResponse) error {
	if len(resp.Peers) == 0 {
		fmt.Fprintln(out, "No peers nearby.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRSSI\tSEEN\tCONNECTION\tPROXIMITY\tFLAGS")
	for _, p := range resp.Peers {
		conn := p.Connection.State
		if p.Connection.Reason != "" {
			conn += " (" + p.Connection.Reason + ")"
		}
		flags := ""
		if p.PendingRequest {
			flags += "request "
		}
		if p.BoopQueued {
			flags += "boop-queued "
		}
		if !p.Visible {
			flags += "gone "
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			p.ID, p.RSSI, ago(p.LastSeen), conn, p.Tier, flags)
	}
	return w.Flush()
}

// peerActionCmd builds a subcommand that POSTs /api/peers/{id}/{action}.
func peerActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " PEER",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParsePeerID(args[0])
			if err != nil {
				return err
			}
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp struct {
				Status string `json:"status"`
			}
			if err := c.post("/api/peers/"+id.String()+"/"+action, &resp); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", id.Short(), resp.Status)
			return nil
		},
	}
}
