// auditdump exports one UTC day of the audit journal to a parquet file, or
// lists what a previously archived day contains.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ordergate/internal/audit"
	"ordergate/internal/config"
	"ordergate/internal/store"
)

func main() {
	cfgPath := flag.String("config", "config/ordergate.yaml", "path to config file")
	date := flag.String("date", time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02"),
		"UTC day to archive (YYYY-MM-DD)")
	read := flag.Bool("read", false, "print the archived day instead of writing it")
	flag.Parse()

	if p := os.Getenv("ORDERGATE_CONFIG"); p != "" {
		*cfgPath = p
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	day, err := time.Parse("2006-01-02", *date)
	if err != nil {
		log.Fatalf("parsing -date: %v", err)
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	archiver := audit.NewParquetArchiver(st, cfg.Storage.DataDir)

	if *read {
		records, err := archiver.ReadDay(day)
		if err != nil {
			log.Fatalf("reading archive: %v", err)
		}
		for _, r := range records {
			fmt.Printf("%s  %-22s %-26s %s\n",
				time.UnixMilli(r.At).UTC().Format(time.RFC3339),
				r.Kind, r.Subject, r.Detail)
		}
		fmt.Printf("%d events\n", len(records))
		return
	}

	path, count, err := archiver.ArchiveDay(context.Background(), day)
	if err != nil {
		log.Fatalf("archiving %s: %v", *date, err)
	}
	fmt.Printf("archived %d events to %s\n", count, path)
}
