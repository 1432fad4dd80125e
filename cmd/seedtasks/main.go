package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
	"github.com/lh20005/geo-xi-tong-sub004/internal/store"
)

// seedtasks fills a store with synthetic articles and publish tasks so the
// orchestrator can be exercised without a real submitter in front of it.
func main() {
	driver := flag.String("store", "sqlite", "Task store driver (postgres|sqlite)")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	sqlitePath := flag.String("sqlite-path", "orchestrator.db", "SQLite database file path")
	numTasks := flag.Int("tasks", 20, "Number of standalone tasks to create")
	numBatches := flag.Int("batches", 2, "Number of batches to create")
	batchSize := flag.Int("batch-size", 5, "Tasks per batch")
	interval := flag.Int("interval-minutes", 1, "Minutes between batch tasks")
	platforms := flag.String("platforms", "sohu,sina,163,toutiao", "Comma-separated platform ids")
	scheduledPercent := flag.Int("scheduled-percent", 20, "Percentage of standalone tasks scheduled in the future")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	ctx := context.Background()
	st, err := openStore(ctx, *driver, *dsn, *sqlitePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	r := rand.New(rand.NewSource(*seed))
	platformList := strings.Split(*platforms, ",")
	articleID := int64(1)
	start := time.Now()

	log.Printf("creating %d standalone tasks", *numTasks)
	for i := 0; i < *numTasks; i++ {
		task := newTask(r, platformList, articleID)
		if r.Intn(100) < *scheduledPercent {
			at := time.Now().Add(time.Duration(1+r.Intn(120)) * time.Minute)
			task.ScheduledAt = &at
		}
		if err := st.CreateTask(ctx, task); err != nil {
			log.Fatalf("create task: %v", err)
		}
		articleID++
	}

	for b := 0; b < *numBatches; b++ {
		batchID := store.NewBatchID()
		log.Printf("creating batch %s with %d tasks", batchID, *batchSize)
		for i := 1; i <= *batchSize; i++ {
			task := newTask(r, platformList, articleID)
			task.BatchID = &batchID
			task.BatchOrder = i
			task.IntervalMinutes = *interval
			if err := st.CreateTask(ctx, task); err != nil {
				log.Fatalf("create batch task: %v", err)
			}
			articleID++
		}
	}

	log.Printf("done in %v", time.Since(start))
}

func newTask(r *rand.Rand, platforms []string, articleID int64) *models.PublishTask {
	platform := platforms[r.Intn(len(platforms))]
	return &models.PublishTask{
		ArticleID:      articleID,
		AccountID:      int64(1 + r.Intn(5)),
		PlatformID:     platform,
		ArticleTitle:   fmt.Sprintf("Synthetic article %d", articleID),
		ArticleContent: fmt.Sprintf("Generated content for article %d, platform %s.", articleID, platform),
		ArticleKeyword: "synthetic",
	}
}

func openStore(ctx context.Context, driver, dsn, sqlitePath string) (store.Store, error) {
	switch driver {
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres requires -dsn or DATABASE_URL")
		}
		return store.NewPostgres(ctx, dsn)
	case "sqlite":
		return store.NewSQLite(ctx, sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
