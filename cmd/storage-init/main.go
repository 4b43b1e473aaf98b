// Command storage-init provisions the Azure tables and queue of the kanban
// API and seeds the default stages of the configured accounts.
package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"kanban-api/storage"
)

type settings struct {
	Debug        bool     `env:"DEBUG"`
	ConnStr      string   `env:"STORAGE_CONNECTION_STRING,required"`
	CardsTable   string   `env:"CARDS_TABLE" envDefault:"KanbanCards"`
	StagesTable  string   `env:"STAGES_TABLE" envDefault:"KanbanStages"`
	EventQueue   string   `env:"EVENT_QUEUE"`
	SeedAccounts []string `env:"SEED_ACCOUNTS" envSeparator:","`
}

func main() {
	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx := context.Background()
	if err := createTables(ctx, cfg.ConnStr, []string{cfg.CardsTable, cfg.StagesTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueues(ctx, cfg.ConnStr, []string{cfg.EventQueue}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	if len(cfg.SeedAccounts) > 0 {
		tables, err := storage.NewTables(cfg.ConnStr, cfg.CardsTable, cfg.StagesTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		for _, account := range cfg.SeedAccounts {
			if err := tables.SeedDefaultStages(ctx, account); err != nil {
				log.Fatalf("seed stages for %s: %v", account, err)
			}
			log.WithField("account", account).Info("default stages seeded")
		}
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
