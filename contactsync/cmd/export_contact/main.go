package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/natserract/dataverse/contactsync/schema/postgres"
	"github.com/natserract/dataverse/contactsync/services"
	"github.com/natserract/dataverse/pkg/config"
	"github.com/natserract/dataverse/pkg/dataverse"
)

func main() {
	// Get contact ID from command line
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <contact-id>\n", os.Args[0])
		os.Exit(1)
	}
	contactID, err := uuid.Parse(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid contact ID %q: %v\n", os.Args[1], err)
		os.Exit(1)
	}

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

	// Create Dataverse client
	client := dataverse.NewWithLogger(cfg, logger)

	// Create contact service
	contactSvc := services.NewContactService(db, logger)

	// Export the specified contact
	ctx := context.Background()
	fmt.Printf("Exporting contact: %s\n", contactID)

	contact, err := contactSvc.Get(ctx, contactID)
	if err != nil {
		logger.Error("Failed to load contact", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := dataverse.Upsert(ctx, client, services.ContactMapping, contact); err != nil {
		logger.Error("Failed to export contact", zap.Error(err))
		if markErr := contactSvc.MarkFailed(ctx, contactID, err.Error()); markErr != nil {
			logger.Error("Failed to record export failure", zap.Error(markErr))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := contactSvc.MarkSynced(ctx, contactID); err != nil {
		logger.Error("Failed to record export success", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ref := services.ContactMapping.Reference(contact)
	logger.Info("Contact exported", zap.String("reference", ref.String()))
	fmt.Printf("Contact exported: %s\n", ref)
}
