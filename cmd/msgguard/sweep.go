package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/maksec/msgguard/internal/config"
	"github.com/maksec/msgguard/internal/store"
)

// runSweepCommand runs one retention sweep against the configured database
// and exits. Useful when the daemon is down or the schedule is disabled.
func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: msgguard sweep")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.Retention.MaxAgeDays <= 0 {
		fmt.Fprintln(os.Stderr, "retention disabled (max_age_days is 0)")
		return 2
	}

	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	ev, err := st.SweepOlderThan(ctx, time.Duration(cfg.Retention.MaxAgeDays)*24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Printf("purged %d messages, %d users, %d chats\n", ev.PurgedMessages, ev.PurgedUsers, ev.PurgedChats)
	return 0
}
