package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/convertrelay/internal/analytics"
	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/observability"
)

func main() {
	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var id, pid, dsn string
	var since time.Duration
	flag.StringVar(&id, "id", "", "event ID; prints that event's deliveries")
	flag.StringVar(&pid, "pid", "", "project ID for the summary (empty for all projects)")
	flag.DurationVar(&since, "since", 24*time.Hour, "summary window")
	flag.StringVar(&dsn, "dsn", "", "ClickHouse DSN")
	flag.Parse()

	if dsn == "" {
		cfg := config.Load()
		dsn = cfg.ClickHouseDSN
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "dsn required (flag or CLICKHOUSE_DSN)")
		os.Exit(1)
	}

	a, err := analytics.InitClickHouse(dsn, 10, 2, 5*time.Minute, 1*time.Minute, observability.NewNoOpRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out interface{}
	if id != "" {
		out, err = a.GetDeliveriesByEvent(ctx, id)
	} else {
		out, err = a.Summarize(ctx, pid, time.Now().Add(-since))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "query deliveries: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
}
