package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/byildiz78/webser/internal/queue"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	numJobs := flag.Int("jobs", 1000, "Number of jobs to enqueue")
	classes := flag.String("classes", "bulk-query,analytics", "Comma-separated list of job classes")
	delayPercent := flag.Int("delay-percent", 10, "Percentage of jobs enqueued with a future run time")
	tenants := flag.Int("tenants", 5, "Number of synthetic tenant IDs to spread jobs across")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")

	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required via -dsn or env")
	}

	r := rand.New(rand.NewSource(*seed))
	classList := strings.Split(*classes, ",")

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	store := queue.NewStore(pool, nil)

	log.Printf("Enqueuing %d jobs...", *numJobs)
	start := time.Now()

	for i := 0; i < *numJobs; i++ {
		class := classList[r.Intn(len(classList))]
		tenantID := fmt.Sprintf("load-tenant-%d", r.Intn(*tenants))

		payload, _ := json.Marshal(map[string]any{
			"tenant_id": tenantID,
			"api_key":   "load-key",
			"query":     fmt.Sprintf("SELECT %d AS n, pg_sleep(0.01)", i),
		})

		opts := queue.Options{}
		if r.Intn(100) < *delayPercent {
			opts.Delay = time.Duration(r.Intn(3600)) * time.Second
		}

		if _, err := store.Enqueue(ctx, class, payload, opts); err != nil {
			log.Fatalf("Failed to enqueue job: %v", err)
		}

		if (i+1)%100 == 0 {
			fmt.Printf(".")
		}
	}

	fmt.Println()
	log.Printf("Done in %v", time.Since(start))
}
