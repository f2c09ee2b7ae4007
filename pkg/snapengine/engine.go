// Streaming snapshot/restore engine: document database -> one archive object in an object store,
// and back. The whole database is never held in memory: documents are encoded one at a time
// straight into the upload, and restored in bounded batches.
package snapengine

import (
	"log"
	"time"

	"github.com/function61/docsnap/pkg/docsource"
	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/snapmetrics"
	"github.com/function61/gokit/logex"
)

const DefaultBatchSize = 500

type Options struct {
	// new backups are created here, and List() / DeleteAll() are scoped to it. empty = store's
	// root and every visible object.
	DefaultContainerID string
	// restore inserts this many documents per InsertBatch() call
	BatchSize int
	Now       func() time.Time
	Observer  snapmetrics.Observer // optional
}

type Engine struct {
	store  objectstore.Store
	source docsource.Source
	opts   Options
	logl   *logex.Leveled
}

func New(store objectstore.Store, source docsource.Source, opts Options, logger *log.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		store:  store,
		source: source,
		opts:   opts,
		logl:   logex.Levels(logex.NonNil(logger)),
	}
}
