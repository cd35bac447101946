package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/nats-io/nats.go"
	flag "github.com/spf13/pflag"

	"UDPulse/internal/live"
	"UDPulse/internal/model"
)

func main() {
	natsURL := flag.String("nats-url", nats.DefaultURL, "NATS server to connect to.")
	subject := flag.String("subject", "udpulse.stats", "Subject the engine publishes snapshots on.")
	flag.Parse()

	sub, err := live.NewSubscriber(*natsURL, *subject)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	if err := sub.Start(printSnapshot); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down monitor...")
}

// printSnapshot renders one periodic snapshot as a single stats line, with a
// per-flow breakdown underneath when more than one flow is active.
func printSnapshot(snap *model.Snapshot) {
	tot := snap.Totals
	fmt.Printf("[%s] elapsed %6.1fs | sent %8d recv %8d | %8.2f Mbps %9.1f pps",
		snap.Timestamp.Format("15:04:05"), snap.Elapsed.Seconds(),
		tot.Sent, tot.Received, snap.Mbps, snap.PacketsPS)
	if tot.Matched > 0 {
		fmt.Printf(" | rtt %7.3f ms (±%.3f)", snap.RTTMeanMS, snap.RTTStdevMS)
	}
	if tot.Evicted > 0 || tot.Unmatched > 0 {
		fmt.Printf(" | lost %d unmatched %d", tot.Evicted, tot.Unmatched)
	}
	fmt.Println()

	if len(snap.PerFlow) > 1 {
		ids := make([]uint32, 0, len(snap.PerFlow))
		for id := range snap.PerFlow {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fc := snap.PerFlow[id]
			status := ""
			if fc.Degraded {
				status = " DEGRADED"
			}
			fmt.Printf("    flow %3d: sent %8d matched %8d lost %6d%s\n",
				id, fc.Sent, fc.Matched, fc.Evicted, status)
		}
	}
}
