package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/launchyard/launchyard/pkg/stores"
	"github.com/launchyard/launchyard/pkg/workflow"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RequestCancel demonstrates cancelling a run from
// another process sharing the database.
func ExampleSQLiteStore_RequestCancel() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.CreateRun(ctx, &stores.WorkflowRun{ID: "run-001", DeploymentID: "dep-1"})
	_ = store.RequestCancel(ctx, "run-001")

	cancelled, _ := store.IsCancelled(ctx, "run-001")
	fmt.Println("cancelled:", cancelled)
	// Output: cancelled: true
}

// ExampleSQLiteStore_StageLogSink demonstrates persisting job output.
func ExampleSQLiteStore_StageLogSink() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.CreateRun(ctx, &stores.WorkflowRun{ID: "run-002"})

	sink := store.StageLogSink("run-002")
	_ = workflow.WriteLogs(ctx, sink, "build", []string{"Step 1/3 : FROM alpine", "Successfully built"})

	lines, _ := store.ListLogs(ctx, "run-002", stores.LogFilter{})
	for _, l := range lines {
		fmt.Printf("[%s] %s\n", l.StageID, l.Line)
	}
	// Output:
	// [build] Step 1/3 : FROM alpine
	// [build] Successfully built
}
