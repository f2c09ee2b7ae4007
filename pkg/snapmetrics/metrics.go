// Prometheus metrics for the snapshot engine and the object store it writes to
package snapmetrics

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/felixge/httpsnoop"
	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/promconstmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// engine reports finished operations here. engine treats nil Observer as "don't observe".
type Observer interface {
	BackupFinished(handle *snaptypes.BackupHandle, err error)
	RestoreFinished(documents int64, err error)
}

type Controller struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec

	// using (totalRequests, errors) instead of (successes, errors) b/c:
	//   https://promcon.io/2017-munich/slides/best-practices-and-beastly-pitfalls.pdf
	backups         prometheus.Counter
	backupErrors    prometheus.Counter
	backedUpDocs    prometheus.Counter
	restores        prometheus.Counter
	restoreErrors   prometheus.Counter
	restoredDocs    prometheus.Counter
	storeOperations *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	storeBytes      *prometheus.CounterVec

	// value is only refreshed when a backup succeeds, so it carries its own timestamp
	lastBackupSize        *promconstmetrics.Ref
	constMetricsCollector *promconstmetrics.Collector
}

var _ Observer = (*Controller)(nil)

func New() *Controller {
	reg := prometheus.NewRegistry()

	constMetricsCollector := promconstmetrics.NewCollector()

	// shorthand for new'ing and registering
	counter := func(name string, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	counterVec := func(name string, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Controller{
		registry: reg,

		httpRequests: counterVec("docsnap_http_requests_total", "HTTP server's handled requests", "code", "method"),

		backups:       counter("docsnap_backups_total", "Backups attempted (incl. errors)"),
		backupErrors:  counter("docsnap_backup_errors_total", "Failed backups"),
		backedUpDocs:  counter("docsnap_backup_documents_total", "Documents written to successful backups"),
		restores:      counter("docsnap_restores_total", "Restores attempted (incl. errors)"),
		restoreErrors: counter("docsnap_restore_errors_total", "Failed restores"),
		restoredDocs:  counter("docsnap_restore_documents_total", "Documents inserted by restores (incl. failed ones)"),

		storeOperations: counterVec("docsnap_store_operations_total", "Object store operations (incl. errors)", "op"),
		storeErrors:     counterVec("docsnap_store_errors_total", "Object store failed operations", "op"),
		storeBytes:      counterVec("docsnap_store_bytes_total", "Bytes uploaded to / downloaded from object store", "op"),

		lastBackupSize:        constMetricsCollector.Register("docsnap_last_backup_size_bytes", "Size of most recent successful backup", prometheus.Labels{}),
		constMetricsCollector: constMetricsCollector,
	}

	reg.MustRegister(m.constMetricsCollector)

	return m
}

func (m *Controller) BackupFinished(handle *snaptypes.BackupHandle, err error) {
	m.backups.Inc()

	if err != nil {
		m.backupErrors.Inc()
		return
	}

	m.backedUpDocs.Add(float64(handle.Documents))
	m.constMetricsCollector.Observe(m.lastBackupSize, float64(handle.SizeHint), handle.CreatedAt)
}

func (m *Controller) RestoreFinished(documents int64, err error) {
	m.restores.Inc()
	m.restoredDocs.Add(float64(documents))

	if err != nil {
		m.restoreErrors.Inc()
	}
}

func (m *Controller) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *Controller) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

// decorates an object store with a proxy that doesn't change any behaviour, but records
// metrics for the operations
func (m *Controller) WrapStore(origin objectstore.Store) objectstore.Store {
	return &proxyStore{origin, m}
}

type proxyStore struct {
	objectstore.Store
	metrics *Controller
}

func (p *proxyStore) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	p.metrics.storeOperations.WithLabelValues("create").Inc()

	info, err := p.Store.Create(ctx, name, newReadCounter(content, func(bytesRead int64, errRead error) {
		if errRead == nil {
			// accurate on successes. on failure the store might not have persisted what it read.
			p.metrics.storeBytes.WithLabelValues("create").Add(float64(bytesRead))
		}
	}), containerID)
	if err != nil {
		p.metrics.storeErrors.WithLabelValues("create").Inc()
	}

	return info, err
}

func (p *proxyStore) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	// will be called (once) much later than we return from this func
	readFinished := func(bytesRead int64, err error) {
		p.metrics.storeBytes.WithLabelValues("read").Add(float64(bytesRead))

		if err != nil {
			p.metrics.storeErrors.WithLabelValues("read").Inc()
		}
	}

	p.metrics.storeOperations.WithLabelValues("read").Inc()

	content, err := p.Store.Read(ctx, id)
	if err != nil {
		readFinished(0, err)
		return nil, err
	}

	return newReadCounter(content, readFinished), nil
}

func (p *proxyStore) Delete(ctx context.Context, id string) error {
	p.metrics.storeOperations.WithLabelValues("delete").Inc()

	err := p.Store.Delete(ctx, id)
	if err != nil {
		p.metrics.storeErrors.WithLabelValues("delete").Inc()
	}

	return err
}

type readCounter struct {
	bytesRead int64 // has to be first b/c sync/atomic alignment rules
	io.ReadCloser
	stats     func(int64, error)
	statsOnce sync.Once
}

// "stats" will only be called once, and when:
// a) all reads succeeded to io.EOF OR
// b) first read failed
func newReadCounter(content io.Reader, stats func(int64, error)) io.ReadCloser {
	rc, ok := content.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(content)
	}

	return &readCounter{
		ReadCloser: rc,
		stats:      stats,
	}
}

func (r *readCounter) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)

	atomic.AddInt64(&r.bytesRead, int64(n))

	if err != nil {
		if err == io.EOF {
			r.emitStats(nil)
		} else {
			r.emitStats(err)
		}
	}

	return n, err
}

// restore might stop reading before EOF (failure mid-archive). count what we got.
func (r *readCounter) Close() error {
	err := r.ReadCloser.Close()
	r.emitStats(nil)
	return err
}

func (r *readCounter) emitStats(err error) {
	r.statsOnce.Do(func() {
		r.stats(atomic.LoadInt64(&r.bytesRead), err)
	})
}
