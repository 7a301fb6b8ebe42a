package apply

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

// Observer receives batch lifecycle notifications.
type Observer interface {
	OnBatchBegin(ops []oplog.Entry)
	OnBatchEnd(lastApplied oplog.OpTime, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) OnBatchBegin([]oplog.Entry)     {}
func (NopObserver) OnBatchEnd(oplog.OpTime, error) {}

// Applier turns ordered oplog batches into parallel storage writes. One
// Applier serves one replication pass; the driver goroutine partitions each
// batch, worker goroutines apply the resulting vectors.
type Applier struct {
	opts     Options
	engine   storage.Engine
	chain    oplog.ChainReader
	observer Observer
	log      *slog.Logger

	now func() time.Time
}

// NewApplier builds an applier over engine. chain may be nil when the feed
// never carries transactions whose chains outrun the partial-transaction
// buffer. observer may be nil.
func NewApplier(engine storage.Engine, chain oplog.ChainReader, observer Observer, opts Options) (*Applier, error) {
	if engine == nil {
		return nil, errors.New("nil storage engine")
	}
	if observer == nil {
		observer = NopObserver{}
	}
	resolved, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Applier{
		opts:     resolved,
		engine:   engine,
		chain:    chain,
		observer: observer,
		log:      resolved.Logger,
		now:      time.Now,
	}, nil
}

func (a *Applier) Options() Options {
	return a.opts
}
