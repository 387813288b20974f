package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm/clause"

	"github.com/stockfolio/ledger/internal/config"
	"github.com/stockfolio/ledger/internal/storage"
)

type stockEntry struct {
	StockID   string `yaml:"stock_id"`
	StockName string `yaml:"stock_name"`
	IsActive  *bool  `yaml:"is_active"`
	Note      string `yaml:"note"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	listPath := flag.String("file", "stocks.yaml", "path to stock list file")
	dryRun := flag.Bool("dry-run", false, "show entries without writing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(*listPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read stock list: %v\n", err)
		os.Exit(1)
	}

	var entries []stockEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		fmt.Fprintf(os.Stderr, "parse stock list: %v\n", err)
		os.Exit(1)
	}

	if len(entries) == 0 {
		fmt.Println("No stock entries.")
		return
	}

	fmt.Printf("Found %d entr(ies):\n\n", len(entries))
	for _, e := range entries {
		active := e.IsActive == nil || *e.IsActive
		fmt.Printf("  %s: %s (active=%v)\n", e.StockID, e.StockName, active)
	}
	fmt.Println()

	if *dryRun {
		fmt.Println("Dry run — nothing written.")
		return
	}

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database error: %v\n", err)
		os.Exit(1)
	}

	var synced, failed int
	for _, e := range entries {
		if e.StockID == "" || e.StockName == "" {
			fmt.Fprintf(os.Stderr, "  [FAIL] entry missing stock_id or stock_name: %+v\n", e)
			failed++
			continue
		}

		info := storage.StockInfo{
			StockID:   e.StockID,
			StockName: e.StockName,
			IsActive:  e.IsActive == nil || *e.IsActive,
			Note:      e.Note,
		}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stock_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"stock_name", "is_active", "note"}),
		}).Create(&info).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s: %v\n", e.StockID, err)
			failed++
			continue
		}

		fmt.Printf("  [OK]   %s: %s\n", e.StockID, e.StockName)
		synced++
	}

	fmt.Printf("\nDone: %d synced, %d failed.\n", synced, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
