// Command consistency audits the userType invariant across all users and
// optionally repairs drift. Meant to run as a cron job or a one-off
// operational tool; webhook processing keeps the invariant in steady state,
// this catches what slipped through.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/subflowhq/subflow/pkg/async"
	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/billing/pgstore"
	"github.com/subflowhq/subflow/pkg/config"
	"github.com/subflowhq/subflow/pkg/logger"
	"github.com/subflowhq/subflow/pkg/pg"
	"github.com/subflowhq/subflow/pkg/reconcile"
)

const (
	batchSize = 10
	// Small pause between batches keeps the scan from saturating the pool.
	batchDelay = 100 * time.Millisecond
)

type summary struct {
	Total        int
	Inconsistent int
	Fixed        int
	Failed       int
}

func main() {
	userID := flag.String("user", "", "check a single user instead of scanning everyone")
	fix := flag.Bool("fix", false, "repair detected inconsistencies")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(logger.WithJSONFormatter())

	ctx := context.Background()

	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		log.Error("failed to connect to postgres", logger.Error(err))
		os.Exit(1)
	}
	defer pool.Close()

	store := pgstore.New(pool)
	// No gateway: the consistency check never talks to a payment provider.
	engine := reconcile.NewEngine(store, nil, billing.DefaultCatalog(),
		reconcile.WithLogger(log))

	if *userID != "" {
		if err := checkOne(ctx, engine, *userID, *fix); err != nil {
			log.Error("consistency check failed", logger.UserID(*userID), logger.Error(err))
			os.Exit(1)
		}
		return
	}

	sum, err := scanAll(ctx, engine, store, *fix)
	if err != nil {
		log.Error("consistency scan failed", logger.Error(err))
		os.Exit(1)
	}

	fmt.Printf("checked %d users: %d inconsistent, %d fixed, %d failed\n",
		sum.Total, sum.Inconsistent, sum.Fixed, sum.Failed)
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

func checkOne(ctx context.Context, engine *reconcile.Engine, userID string, fix bool) error {
	report, err := engine.ValidateUserConsistency(ctx, userID)
	if err != nil {
		return err
	}
	if report.IsConsistent {
		fmt.Printf("user %s is consistent\n", userID)
		return nil
	}

	for _, issue := range report.Issues {
		fmt.Printf("user %s: %s\n", userID, issue)
	}
	if !fix {
		return nil
	}

	result, err := engine.FixUserConsistency(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("user %s: %s\n", userID, result.Message)
	return nil
}

type userOutcome struct {
	Inconsistent bool
	Fixed        bool
	Err          error
}

// scanAll walks every user in fixed-size concurrent batches.
func scanAll(ctx context.Context, engine *reconcile.Engine, store billing.Store, fix bool) (*summary, error) {
	ids, err := store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	sum := &summary{Total: len(ids)}
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))

		futures := make([]*async.Future[userOutcome], 0, end-start)
		for _, id := range ids[start:end] {
			futures = append(futures, async.Async(ctx, id, func(ctx context.Context, id uuid.UUID) (userOutcome, error) {
				return checkUser(ctx, engine, id.String(), fix), nil
			}))
		}

		outcomes, err := async.WaitAll(futures...)
		if err != nil {
			return nil, err
		}
		for _, out := range outcomes {
			if out.Err != nil {
				sum.Failed++
				continue
			}
			if out.Inconsistent {
				sum.Inconsistent++
			}
			if out.Fixed {
				sum.Fixed++
			}
		}

		if end < len(ids) {
			time.Sleep(batchDelay)
		}
	}
	return sum, nil
}

func checkUser(ctx context.Context, engine *reconcile.Engine, userID string, fix bool) userOutcome {
	report, err := engine.ValidateUserConsistency(ctx, userID)
	if err != nil {
		return userOutcome{Err: err}
	}
	if report.IsConsistent {
		return userOutcome{}
	}

	out := userOutcome{Inconsistent: true}
	if !fix {
		return out
	}

	result, err := engine.FixUserConsistency(ctx, userID)
	if err != nil {
		out.Err = err
		return out
	}
	out.Fixed = result.Fixed
	return out
}
