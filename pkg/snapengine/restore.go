package snapengine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/function61/docsnap/pkg/snaparchive"
	"github.com/function61/docsnap/pkg/snaptypes"
)

type RestoreState string

const (
	RestoreIdle            RestoreState = "idle"
	RestoreFetching        RestoreState = "fetching"
	RestoreParsingSegment  RestoreState = "parsing"
	RestoreApplyingSegment RestoreState = "applying"
	RestoreDone            RestoreState = "done"
	RestoreFailed          RestoreState = "failed"
)

type SegmentReport struct {
	Name     string
	Declared int64 // -1 if archive doesn't declare counts (legacy format)
	Inserted int64
}

type RestoreReport struct {
	ArchiveID string
	State     RestoreState // RestoreDone or RestoreFailed
	Legacy    bool
	Segments  []SegmentReport // in archive order, including the one we failed at
	Documents int64
}

// restores archive "id" into the database, one segment (= collection) at a time.
//
// the archive is read twice: first to verify all of it (structure, counts, digest) without
// touching the database, then to apply it. a corrupt archive therefore changes nothing.
//
// report is returned even with an error, and tells how far we got. errors:
//   - *snaptypes.RestoreFailedError: stopped at a segment. previous segments stay applied.
//     if the archive failed verification, nothing was applied.
//   - *snaptypes.SegmentCountMismatchError: every segment was applied, but some counts disagree
//     with what the archive declares
func (e *Engine) Restore(ctx context.Context, id string, plan snaptypes.RestorePlan) (*RestoreReport, error) {
	run := &restoreRun{
		Engine: e,
		plan:   plan,
		state:  RestoreIdle,
		report: &RestoreReport{
			ArchiveID: id,
			Segments:  []SegmentReport{},
		},
	}

	err := run.restore(ctx, id)

	if e.opts.Observer != nil {
		e.opts.Observer.RestoreFinished(run.report.Documents, err)
	}

	return run.report, err
}

type restoreRun struct {
	*Engine
	plan    snaptypes.RestorePlan
	state   RestoreState
	segment string
	report  *RestoreReport
}

func (r *restoreRun) restore(ctx context.Context, id string) error {
	r.transition(RestoreFetching)

	if err := r.verify(ctx, id); err != nil {
		return err
	}

	r.transition(RestoreFetching)

	content, err := r.store.Read(ctx, id)
	if err != nil {
		return r.fail(err)
	}
	defer content.Close()

	archive, err := snaparchive.NewReader(content)
	if err != nil {
		return r.fail(err)
	}

	r.report.Legacy = archive.IsLegacy()

	if archive.IsLegacy() {
		r.logl.Info.Printf("restoring %s (legacy format)", id)
	} else {
		header := archive.Header()
		r.logl.Info.Printf("restoring %s (taken from %s at %s)", id, header.Source, header.Created.Format("2006-01-02 15:04:05Z07:00"))
	}

	// only after the archive looked valid, so a bad ID doesn't cost us the database
	if r.plan.DropAllFirst {
		r.transition(RestoreApplyingSegment)

		if err := r.dropAll(ctx); err != nil {
			return r.fail(err)
		}
	}

	mismatches := []snaptypes.CountMismatch{}

	for {
		r.transition(RestoreParsingSegment)
		r.segment = ""

		segment, err := archive.NextSegment()
		if err != nil {
			if err == io.EOF {
				break
			}

			return r.fail(err)
		}

		r.segment = segment.Name

		r.transition(RestoreApplyingSegment)

		inserted, err := r.applySegment(ctx, segment)

		declared, hasDeclared := segment.DeclaredCount()

		segmentReport := SegmentReport{
			Name:     segment.Name,
			Declared: -1,
			Inserted: inserted,
		}
		if hasDeclared {
			segmentReport.Declared = declared
		}

		r.report.Segments = append(r.report.Segments, segmentReport)
		r.report.Documents += inserted

		if err != nil {
			return r.fail(err)
		}

		// legacy archives don't declare counts, so at least check we inserted what we read
		expected := segment.Observed()
		if hasDeclared {
			expected = declared
		}

		if inserted != expected {
			r.logl.Error.Printf("%s: archive has %d document(s), restored %d", segment.Name, expected, inserted)

			mismatches = append(mismatches, snaptypes.CountMismatch{
				Segment:  segment.Name,
				Declared: expected,
				Observed: inserted,
			})
		} else {
			r.logl.Debug.Printf("%s: %d document(s)", segment.Name, inserted)
		}
	}

	r.transition(RestoreDone)
	r.report.State = RestoreDone

	if len(mismatches) > 0 {
		return &snaptypes.SegmentCountMismatchError{Mismatches: mismatches}
	}

	r.logl.Info.Printf("restored %d collection(s), %d document(s)", len(r.report.Segments), r.report.Documents)

	return nil
}

// streams through the whole archive, discarding documents. holds one document at a time.
func (r *restoreRun) verify(ctx context.Context, id string) error {
	content, err := r.store.Read(ctx, id)
	if err != nil {
		return r.fail(err)
	}
	defer content.Close()

	archive, err := snaparchive.NewReader(content)
	if err != nil {
		return r.fail(err)
	}

	mismatches := []snaptypes.CountMismatch{}

	for {
		r.transition(RestoreParsingSegment)
		r.segment = ""

		segment, err := archive.NextSegment()
		if err != nil {
			if err == io.EOF {
				break
			}

			return r.fail(err)
		}

		r.segment = segment.Name

		for {
			if err := ctx.Err(); err != nil {
				return r.fail(err)
			}

			if _, err := segment.Next(); err != nil {
				if err == io.EOF {
					break
				}

				return r.fail(err)
			}
		}

		if declared, hasDeclared := segment.DeclaredCount(); hasDeclared && declared != segment.Observed() {
			mismatches = append(mismatches, snaptypes.CountMismatch{
				Segment:  segment.Name,
				Declared: declared,
				Observed: segment.Observed(),
			})
		}
	}

	r.segment = ""

	if len(mismatches) > 0 {
		return r.fail(&snaptypes.SegmentCountMismatchError{Mismatches: mismatches})
	}

	r.logl.Debug.Printf("%s verified", id)

	return nil
}

// prepares the collection and inserts the segment's documents into it in batches. returns
// number of documents the database accepted.
func (r *restoreRun) applySegment(ctx context.Context, segment *snaparchive.Segment) (int64, error) {
	collection := segment.Name

	if r.plan.ResetFirst {
		if err := r.source.DropCollection(ctx, collection); err != nil && !errors.Is(err, snaptypes.ErrNotFound) {
			return 0, fmt.Errorf("drop: %w", err)
		}

		if err := r.source.CreateCollection(ctx, collection); err != nil {
			return 0, fmt.Errorf("create: %w", err)
		}
	} else {
		// merge into existing
		if err := r.source.CreateCollection(ctx, collection); err != nil && !errors.Is(err, snaptypes.ErrAlreadyExists) {
			return 0, fmt.Errorf("create: %w", err)
		}
	}

	inserted := int64(0)
	batch := make([]snaptypes.Document, 0, r.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.source.InsertBatch(ctx, collection, batch)
		inserted += int64(n)
		batch = batch[:0]

		return err
	}

	for {
		doc, err := segment.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			// archive changed after verification, or connection broke
			r.state = RestoreParsingSegment

			return inserted, err
		}

		batch = append(batch, doc)

		if len(batch) >= r.opts.BatchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}

	if err := flush(); err != nil {
		return inserted, err
	}

	return inserted, nil
}

func (r *restoreRun) dropAll(ctx context.Context) error {
	existing, err := r.source.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("listCollections: %w", err)
	}

	for _, collection := range existing {
		if err := r.source.DropCollection(ctx, collection); err != nil && !errors.Is(err, snaptypes.ErrNotFound) {
			return fmt.Errorf("drop %s: %w", collection, err)
		}
	}

	r.logl.Info.Printf("dropped %d existing collection(s)", len(existing))

	return nil
}

func (r *restoreRun) transition(to RestoreState) {
	r.logl.Debug.Printf("%s -> %s", r.state, to)

	r.state = to
}

func (r *restoreRun) fail(cause error) error {
	failedWhile := r.state

	r.transition(RestoreFailed)
	r.report.State = RestoreFailed

	return &snaptypes.RestoreFailedError{
		Segment: r.segment,
		State:   string(failedWhile),
		Cause:   cause,
	}
}
