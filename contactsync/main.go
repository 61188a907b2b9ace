package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/natserract/dataverse/contactsync/schema/postgres"
	"github.com/natserract/dataverse/contactsync/services"
	"github.com/natserract/dataverse/pkg/config"
	"github.com/natserract/dataverse/pkg/dataverse"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize database connection
	dbCfg := postgres.NewConfig()
	db, err := postgres.New(dbCfg, logger)
	if err != nil {
		logger.Error("Failed to connect to database", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to prepare schema", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Failed to prepare schema: %v\n", err)
		os.Exit(1)
	}

	// Create Dataverse client
	client := dataverse.NewWithLogger(cfg, logger)

	// Create contact service
	contactSvc := services.NewContactService(db, logger)

	// Create sync service
	syncSvc := services.NewSyncService(client, contactSvc, logger)

	// Export staged contacts
	metrics, err := syncSvc.SyncAll(ctx)
	if err != nil {
		logger.Error("Failed to export contacts", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Log and print final metrics
	logger.Info("Successfully completed contact export",
		zap.Int("batches", metrics.BatchesSubmitted),
		zap.Int("succeeded", metrics.ContactsSucceeded),
		zap.Int("failed", metrics.ContactsFailed))

	fmt.Println("Successfully completed contact export")
	fmt.Printf("Sync Metrics:\n")
	fmt.Printf("  Batches submitted: %d\n", metrics.BatchesSubmitted)
	fmt.Printf("  Contacts: %d succeeded, %d failed\n", metrics.ContactsSucceeded, metrics.ContactsFailed)
}
