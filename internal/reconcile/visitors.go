package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"stallpos/internal/aggregate"
	"stallpos/internal/changelog"
	"stallpos/internal/model"
	"stallpos/internal/outbox"
	"stallpos/internal/remote"
)

// bucketNamespace seeds the deterministic ids of coalesced visitor rows.
var bucketNamespace = uuid.MustParse("6f0c1c43-3c55-4b0e-9d0a-55b1f1c4a7e2")

type Contributor struct {
	ID    string
	Rev   int64
	Seq   int64
	Count int64
}

// PendingBucket is the set of unsynced taps that fold into one remote row.
type PendingBucket struct {
	BranchID     string
	Group        string
	Start        time.Time
	Contributors []Contributor
}

func (b PendingBucket) Total() int64 {
	var n int64
	for _, c := range b.Contributors {
		n += c.Count
	}
	return n
}

// Row returns the remote row for the bucket. Its id is derived from the
// bucket key and the first contributor, so a retry of the same contributors
// hits the existence check.
func (b PendingBucket) Row() model.VisitorBucket {
	ids := make([]string, len(b.Contributors))
	for i, c := range b.Contributors {
		ids[i] = c.ID
	}
	key := aggregate.BucketKey(b.BranchID, b.Group, b.Start)
	if len(ids) > 0 {
		key += "#" + ids[0]
	}
	return model.VisitorBucket{
		ID:        uuid.NewSHA1(bucketNamespace, []byte(key)).String(),
		BranchID:  b.BranchID,
		Group:     b.Group,
		Start:     b.Start,
		Count:     b.Total(),
		SourceIDs: ids,
	}
}

func (b PendingBucket) refs() []outbox.Ref {
	refs := make([]outbox.Ref, len(b.Contributors))
	for i, c := range b.Contributors {
		refs[i] = outbox.Ref{ID: c.ID, Rev: c.Rev}
	}
	return refs
}

// Coalesce groups taps by (branch, group, floor(counted_at, minutes)).
// Buckets come out ordered by start, group, branch; contributors by seq.
func Coalesce(recs []model.VisitorCount, minutes int) []PendingBucket {
	byKey := make(map[string]*PendingBucket)
	for _, v := range recs {
		start := aggregate.FloorBucket(v.CountedAt.UTC(), minutes)
		key := aggregate.BucketKey(v.BranchID, v.Group, start)
		b, ok := byKey[key]
		if !ok {
			b = &PendingBucket{BranchID: v.BranchID, Group: v.Group, Start: start}
			byKey[key] = b
		}
		b.Contributors = append(b.Contributors, Contributor{ID: v.ID, Rev: v.Rev, Seq: v.Seq, Count: v.Count})
	}
	out := make([]PendingBucket, 0, len(byKey))
	for _, b := range byKey {
		sort.SliceStable(b.Contributors, func(i, j int) bool { return b.Contributors[i].Seq < b.Contributors[j].Seq })
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].BranchID < out[j].BranchID
	})
	return out
}

func (e *Engine) ReconcileVisitors(ctx context.Context) Result {
	return e.pass(ctx, model.KindVisitorCounts, e.pushVisitors, e.visitors.Collect)
}

func (e *Engine) pushVisitors(ctx context.Context, res *Result, events *[]changelog.Event) error {
	recs, err := e.visitors.Unsynced()
	if err != nil {
		return fmt.Errorf("load visitor counts: %w", err)
	}
	res.Scanned = len(recs)
	for _, b := range Coalesce(recs, e.bucketMinutes) {
		if ctx.Err() != nil {
			res.Remaining += len(b.Contributors)
			continue
		}
		e.pushBucket(ctx, b, res, events)
	}
	return nil
}

// pushBucket pushes one bucket. When a row with the bucket's id already
// exists, the contributors it lists are confirmed and the rest are retried
// as a new bucket within the same pass.
func (e *Engine) pushBucket(ctx context.Context, b PendingBucket, res *Result, events *[]changelog.Event) {
	fail := func(b PendingBucket, err error) {
		res.Failed += len(b.Contributors)
		res.Remaining += len(b.Contributors)
		row := b.Row()
		e.recordLog(model.KindVisitorCounts, row.ID).WithError(err).
			WithField("contributors", len(b.Contributors)).Warn("push visitor bucket failed")
		for _, c := range b.Contributors {
			*events = append(*events, e.event(model.KindVisitorCounts, c.ID, c.Seq, changelog.OpFailed, err.Error()))
		}
	}

	for attempt := 0; len(b.Contributors) > 0; attempt++ {
		if attempt > len(b.Contributors)+1 {
			fail(b, fmt.Errorf("bucket did not settle after %d attempts", attempt))
			return
		}
		row := b.Row()
		existing, err := e.gw.Select(ctx, remote.TableVisitorCounts, remote.ByID(row.ID))
		if err != nil {
			fail(b, fmt.Errorf("existence check: %w", err))
			return
		}
		if len(existing) > 0 {
			prior, err := remote.VisitorBucketFromRow(existing[0])
			if err != nil {
				fail(b, err)
				return
			}
			confirmed, rest := splitContributors(b, prior.SourceIDs)
			if len(confirmed.Contributors) == 0 {
				fail(b, fmt.Errorf("bucket %s exists without any of its contributors", row.ID))
				return
			}
			if !e.confirm(confirmed, changelog.OpDuplicate, res, events) {
				return
			}
			b = rest
			continue
		}

		vr, err := remote.VisitorBucketRow(row, e.now())
		if err != nil {
			fail(b, err)
			return
		}
		if err := e.gw.Insert(ctx, remote.TableVisitorCounts, vr); err != nil {
			if remote.IsDuplicate(err) {
				continue
			}
			fail(b, fmt.Errorf("insert bucket: %w", err))
			return
		}
		res.Buckets++
		e.confirm(b, changelog.OpPushed, res, events)
		return
	}
}

// confirm marks every contributor of b synced in one batch.
func (e *Engine) confirm(b PendingBucket, op changelog.Op, res *Result, events *[]changelog.Event) bool {
	n, err := e.visitors.MarkSynced(b.refs()...)
	if err != nil {
		res.Remaining += len(b.Contributors)
		e.log.WithError(err).WithField("kind", model.KindVisitorCounts).Error("mark visitor counts synced failed")
		return false
	}
	res.Remaining += len(b.Contributors) - n
	if op == changelog.OpDuplicate {
		res.Duplicates += n
	} else {
		res.Pushed += n
	}
	for _, c := range b.Contributors {
		*events = append(*events, e.event(model.KindVisitorCounts, c.ID, c.Seq, op, ""))
	}
	return true
}

func splitContributors(b PendingBucket, sourceIDs []string) (confirmed, rest PendingBucket) {
	in := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		in[id] = true
	}
	confirmed = PendingBucket{BranchID: b.BranchID, Group: b.Group, Start: b.Start}
	rest = confirmed
	for _, c := range b.Contributors {
		if in[c.ID] {
			confirmed.Contributors = append(confirmed.Contributors, c)
		} else {
			rest.Contributors = append(rest.Contributors, c)
		}
	}
	return confirmed, rest
}
