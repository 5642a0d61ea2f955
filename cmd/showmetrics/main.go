// showmetrics prints the production baseline, the promotion history or the
// observed production snapshots from the local registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/registry"
)

func main() {
	dbPath := flag.String("db", "./data/registry.db", "registry database path")
	all := flag.Bool("all", false, "show the full promotion history")
	snapshots := flag.Bool("snapshots", false, "show observed production snapshots")
	limit := flag.Int("limit", 20, "history limit")
	flag.Parse()

	store, err := registry.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open registry: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	switch {
	case *snapshots:
		entries, err := store.Snapshots(ctx, *limit)
		if err != nil {
			log.Fatalf("failed to load snapshots: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println("no production snapshots recorded")
			return
		}
		for _, entry := range entries {
			fmt.Printf("%s  observed %s\n", entry.Identifier, entry.PromotedAt.Format("2006-01-02 15:04:05"))
			fmt.Print(gate.FormatBaseline(entry.Identifier, entry.Metrics))
		}

	case *all:
		history, err := store.History(ctx, *limit)
		if err != nil {
			log.Fatalf("failed to load history: %v", err)
		}
		if len(history) == 0 {
			fmt.Println("no promotions recorded")
			return
		}
		for i, entry := range history {
			marker := " "
			if i == 0 {
				marker = "*" // active baseline
			}
			fmt.Printf("%s %s  promoted %s\n", marker, entry.Identifier, entry.PromotedAt.Format("2006-01-02 15:04:05"))
			fmt.Print(gate.FormatBaseline(entry.Identifier, entry.Metrics))
			fmt.Println()
		}

	default:
		baseline, err := store.CurrentBaseline(ctx)
		if errors.Is(err, registry.ErrNoBaseline) {
			fmt.Println("no production baseline yet")
			return
		}
		if err != nil {
			log.Fatalf("failed to load baseline: %v", err)
		}
		fmt.Print(gate.FormatBaseline(baseline.Identifier, baseline.Metrics))
		fmt.Printf("  promoted:   %s\n", baseline.PromotedAt.Format("2006-01-02 15:04:05"))
	}
}
