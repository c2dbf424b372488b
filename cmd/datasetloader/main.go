// The datasetloader command loads item pairs from a CSV file into the
// unlabeled dataset table. The whole file is inserted in one transaction;
// a malformed row aborts the batch and nothing is written.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/akarpenko/pairlabel/internal/db/postgresdb"
	"github.com/akarpenko/pairlabel/internal/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Unable to load .env file: %v", err)
	}

	var (
		csvPath       string
		table         string
		databaseDSN   string
		migrationsDir string
	)
	flag.StringVar(&csvPath, "csv", "", "path to the unlabeled dataset csv")
	flag.StringVar(&table, "table", "unlabeled_dataset", "destination table")
	flag.StringVar(&databaseDSN, "d", os.Getenv("DATABASE_DSN"), "a string with the database connection details")
	flag.StringVar(&migrationsDir, "m", "migrations", "directory with goose migrations")
	flag.Parse()

	if err := logger.Init("info"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	if csvPath == "" || databaseDSN == "" {
		logger.Log.Fatalln("both the -csv path and the database DSN are required")
	}

	rows, err := readRows(csvPath)
	if err != nil {
		logger.Log.Fatalf("error reading %s: %v", csvPath, err)
	}

	db, err := postgresdb.New(
		context.Background(),
		databaseDSN,
		10*time.Second,
		migrationsDir,
	)
	if err != nil {
		logger.Log.Fatalf("storage init error: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Log.Errorf("storage close error: %v", err)
		}
	}()

	inserted, err := db.BulkInsertItems(context.Background(), rows, table)
	if err != nil {
		logger.Log.Fatalf("bulk insert error (nothing was written): %v", err)
	}

	logger.Log.Infof("inserted %d rows into %q", inserted, table)
}

func readRows(csvPath string) ([][]string, error) {
	file, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	// Field count validation belongs to the storage layer so a short row
	// rolls the whole batch back instead of failing mid-read.
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}

	// The first line is the header.
	return records[1:], nil
}
