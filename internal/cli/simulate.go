package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/boop-network/boop/internal/app/session"
	"github.com/boop-network/boop/internal/app/sim"
	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/loopback"
)

func init() {
	simulateCmd.Flags().IntVar(&simPeers, "peers", 3, "number of simulated peers")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 10*time.Second, "how long to run")
	simulateCmd.Flags().DurationVar(&simTick, "tick", 100*time.Millisecond, "advertise and ranging interval")
	rootCmd.AddCommand(simulateCmd)
}

var (
	simPeers    int
	simDuration time.Duration
	simTick     time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-memory swarm and watch discovery, connection and boops",
	Long: `simulate starts a local node and a few simulated peers on an in-memory
radio. The local node connects to every peer it discovers, then each peer in
turn is moved in front of it until a boop goes out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runSimulate(ctx, cmd.OutOrStdout(), simPeers, simTick, simDuration)
	},
}

// runSimulate drives the swarm until duration elapses or every peer has
// been booped.
func runSimulate(ctx context.Context, out io.Writer, peers int, tick, duration time.Duration) error {
	if peers <= 0 {
		return fmt.Errorf("--peers must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	cfg := session.DefaultConfig()
	cfg.BoopInterval = tick
	swarm := sim.NewSwarm(loopback.Options{
		AdvertiseInterval: tick,
		RangingInterval:   tick,
		Ranging:           true,
	}, cfg)
	defer swarm.Close()

	me, err := swarm.Add(ctx, domain.NewPeerID(), domain.Vector3{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "local node %s\n", me.ID().Short())

	var (
		mu     sync.Mutex
		booped = make(map[domain.PeerID]bool)
		done   = make(chan struct{})
	)
	start := time.Now()
	me.Coordinator.Subscribe(func(e domain.Event) {
		line := fmt.Sprintf("%6.2fs  %-28s %s", time.Since(start).Seconds(), e.Kind, e.Peer.Short())
		switch {
		case e.Kind == domain.EventProximityChanged:
			line += " " + e.Tier.String()
		case e.Reason != "":
			line += " (" + e.Reason + ")"
		}
		mu.Lock()
		fmt.Fprintln(out, line)
		mu.Unlock()

		switch e.Kind {
		case domain.EventPeerDiscovered:
			_ = me.Coordinator.RequestConnect(e.Peer)
		case domain.EventRangingStarted:
			swarm.Approach(e.Peer, me.ID(), 0.05)
		case domain.EventBoopSent:
			// Move the booped peer away so the next one gets a turn.
			swarm.Move(e.Peer, domain.Vector3{X: -2})
			mu.Lock()
			if !booped[e.Peer] {
				booped[e.Peer] = true
				if len(booped) == peers {
					close(done)
				}
			}
			mu.Unlock()
		}
	})

	if _, err := swarm.Spawn(ctx, peers, 2.0); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
	}

	st := me.Coordinator.BoopStats()
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "booped %d/%d peers (%d sent, %d retries, %d exhausted)\n",
		len(booped), peers, st.TotalSent, st.TotalRetries, st.TotalExhausted)
	return nil
}
