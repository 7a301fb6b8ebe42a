package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tailbase/tailbase/apply"
	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

var (
	numWriters = flag.Int("writers", 4, "Number of parallel writer vectors")
	numOps     = flag.Int("ops", 1000, "Number of synthetic ops to generate")
	slowMS     = flag.Int("slow_ms", 100, "Slow-op logging threshold in milliseconds")
	capped     = flag.Bool("capped", false, "Route the batch into a capped collection")
)

// Demo: build the in-memory engine, synthesize one oplog batch, and apply it
// with parallel workers.
func main() {
	flag.Parse()

	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}))

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("demo.events", storage.CollectionConfig{Capped: *capped})

	applier, err := apply.NewApplier(engine, oplog.NewBuffer(), apply.NopObserver{}, apply.Options{
		Mode:            oplog.ModeSecondary,
		NumWriters:      *numWriters,
		SlowOpThreshold: time.Duration(*slowMS) * time.Millisecond,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("failed to build applier: %v", err)
	}

	ops, err := syntheticBatch(*numOps)
	if err != nil {
		log.Fatalf("failed to build batch: %v", err)
	}

	start := time.Now()
	multikey, err := applier.ApplyBatch(ctx, ops)
	if err != nil {
		log.Fatalf("failed to apply batch: %v", err)
	}

	logger.Info("batch applied",
		slog.Int("ops", len(ops)),
		slog.Int("writers", *numWriters),
		slog.Int("documents", engine.CountDocuments("demo.events")),
		slog.Int("multikeyPaths", len(multikey)),
		slog.Int64("opsAppliedTotal", apply.OpsApplied()),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// syntheticBatch builds n inserts into one collection, with an update every
// tenth document so routing has to keep same-_id ops together.
func syntheticBatch(n int) ([]oplog.Entry, error) {
	var ops []oplog.Entry
	ts := uint32(time.Now().Unix())
	i := uint32(0)

	nextOpTime := func() oplog.OpTime {
		i++
		return oplog.OpTime{TS: bson.Timestamp{T: ts, I: i}, Term: 1}
	}

	for d := 0; d < n; d++ {
		doc, err := bson.Marshal(bson.D{
			{Key: "_id", Value: int64(d)},
			{Key: "payload", Value: fmt.Sprintf("event-%d", d)},
		})
		if err != nil {
			return nil, err
		}
		t := nextOpTime()
		ops = append(ops, oplog.Entry{
			Timestamp: t.TS,
			Term:      t.Term,
			Operation: oplog.OpTypeInsert,
			Namespace: "demo.events",
			Object:    doc,
		})

		if d%10 != 0 {
			continue
		}
		update, err := bson.Marshal(bson.D{{Key: "$set", Value: bson.D{{Key: "seen", Value: true}}}})
		if err != nil {
			return nil, err
		}
		selector, err := bson.Marshal(bson.D{{Key: "_id", Value: int64(d)}})
		if err != nil {
			return nil, err
		}
		t = nextOpTime()
		ops = append(ops, oplog.Entry{
			Timestamp: t.TS,
			Term:      t.Term,
			Operation: oplog.OpTypeUpdate,
			Namespace: "demo.events",
			Object:    update,
			Object2:   selector,
		})
	}
	return ops, nil
}
