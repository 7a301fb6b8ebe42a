package apply

import (
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tailbase/tailbase/oplog"
)

const (
	defaultNumWriters      = 16
	defaultSlowOpThreshold = 100 * time.Millisecond
)

// Options configures an Applier for one replication pass.
type Options struct {
	// Mode selects the oplog application mode.
	Mode oplog.Mode

	// NumWriters is the number of parallel writer vectors (and worker tasks).
	NumWriters int

	// BeginApplyingOpTime is the exclusive optime floor; entries at or below
	// it are dropped during partitioning.
	BeginApplyingOpTime oplog.OpTime

	// AllowNamespaceNotFoundErrorsOnCRUDOps makes workers skip CRUD ops whose
	// namespace is gone. Initial sync and recovery set this: the collection
	// will be dropped before the pass ends anyway.
	AllowNamespaceNotFoundErrorsOnCRUDOps bool

	// SlowOpThreshold is the single-op latency above which an applied op is
	// logged.
	SlowOpThreshold time.Duration

	Logger *slog.Logger
}

func (o *Options) withDefaults() (Options, error) {
	out := *o
	if out.NumWriters == 0 {
		out.NumWriters = defaultNumWriters
	}
	if out.NumWriters < 0 {
		return out, errors.Newf("invalid writer count %d", out.NumWriters)
	}
	if out.SlowOpThreshold == 0 {
		out.SlowOpThreshold = defaultSlowOpThreshold
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}))
	}
	return out, nil
}
