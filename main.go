package main

import (
	"context"
	"fmt"
	"log"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/persistence"
)

const dbDirectory = "./data"

func main() {
	cfg := persistence.DefaultConfig()
	cfg.Engine = persistence.EngineSQLite
	cfg.Directory = dbDirectory

	// Start fresh.
	if err := persistence.DeleteDatabase("users", cfg); err != nil {
		log.Fatalf("Failed to remove existing database: %v", err)
	}

	db, err := persistence.Open("users", cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		if cErr := db.Close(); cErr != nil {
			log.Printf("Error closing database: %v", cErr)
		}
		fmt.Println("Database closed.")
	}()
	fmt.Printf("Opened database at %s\n", db.Path())

	users, err := db.CreateCollection("users", "accounts")
	if err != nil {
		log.Fatalf("Failed to create collection 'accounts.users': %v", err)
	}

	db.RegisterSubscription(core.RegisterSubscriptionOptions{
		Event: core.DocumentSaveSuccess,
		Callback: func(ctx context.Context, event core.PersistenceEvent) error {
			fmt.Printf("Document %s saved in '%s'\n", *event.DocumentID, *event.Collection)
			return nil
		},
	})

	token, err := users.AddChangeListener(func(change *persistence.CollectionChange) {
		fmt.Printf("Change in %s: %v\n", change.Collection.FullName(), change.DocumentIDs)
	})
	if err != nil {
		log.Fatalf("Failed to add change listener: %v", err)
	}
	defer token.Remove()

	if err := users.CreateValueIndex("byAge", persistence.ValueIndexConfiguration{Expressions: "age"}); err != nil {
		log.Fatalf("Failed to create index: %v", err)
	}

	fmt.Println("Inserting sample data...")
	for i, age := range []int{30, 27, 28} {
		doc, err := core.NewMutableDocumentWithProperties(fmt.Sprintf("alice-%d", i+1), map[string]any{
			"name":      "Alice Smith",
			"email":     fmt.Sprintf("alice%d@example.com", i+1),
			"age":       age,
			"is_active": age != 28,
		})
		if err != nil {
			log.Fatalf("Invalid document: %v", err)
		}
		if err := users.Save(doc); err != nil {
			log.Fatalf("Failed to save %s: %v", doc.ID(), err)
		}
	}

	ids, err := users.ValueIndexLookup("byAge", 28)
	if err != nil {
		log.Fatalf("Failed to query index: %v", err)
	}
	for _, id := range ids {
		doc, err := users.MutableDocument(id)
		if err != nil || doc == nil {
			log.Fatalf("Failed to read %s: %v", id, err)
		}
		if err := doc.Set("name", "Alex Smith"); err != nil {
			log.Fatalf("Failed to update %s: %v", id, err)
		}
		if err := users.SaveWithConcurrencyControl(doc, persistence.FailOnConflict); err != nil {
			log.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	old, err := users.Document("alice-2")
	if err != nil {
		log.Fatalf("Failed to read alice-2: %v", err)
	}
	if err := users.Delete(old); err != nil {
		log.Fatalf("Failed to delete alice-2: %v", err)
	}

	fmt.Println("-------------------------------------------------------------------")
	fmt.Printf("%-10s %-20s %-25s %-5s %-10s\n", "ID", "Name", "Email", "Age", "Active")
	fmt.Println("-------------------------------------------------------------------")
	for _, id := range []string{"alice-1", "alice-2", "alice-3"} {
		doc, err := users.Document(id)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", id, err)
		}
		if doc == nil {
			fmt.Printf("%-10s (deleted)\n", id)
			continue
		}
		fmt.Printf("%-10s %-20v %-25v %-5v %-10v\n", id, doc.Get("name"), doc.Get("email"), doc.Get("age"), doc.Get("is_active"))
	}
	fmt.Println("-------------------------------------------------------------------")
	fmt.Printf("%d live documents in %s\n", users.Count(), users.FullName())
}
