package aggregate

import (
	"sort"

	"stallpos/internal/model"
)

// MergeVisitors folds remote buckets and local taps into points. A local tap
// whose id is listed in a remote bucket's source ids is already counted there
// and is skipped, so a tap is never counted twice while it waits for GC.
func MergeVisitors(local []model.VisitorCount, remote []model.VisitorBucket) []Point {
	confirmed := make(map[string]bool)
	points := make([]Point, 0, len(local)+len(remote))
	for _, b := range remote {
		for _, id := range b.SourceIDs {
			confirmed[id] = true
		}
		points = append(points, Point{At: b.Start, Group: b.Group, Count: b.Count})
	}
	for _, v := range local {
		if confirmed[v.ID] {
			continue
		}
		points = append(points, Point{At: v.CountedAt, Group: v.Group, Count: v.Count})
	}
	return points
}

// MergeTransactions unions local and remote sales by id. An unsynced local
// copy carries changes the remote has not seen yet and wins; otherwise the
// remote copy wins. The result is ordered by creation time.
func MergeTransactions(local, remote []model.Transaction) []model.Transaction {
	byID := make(map[string]model.Transaction, len(local)+len(remote))
	for _, tx := range remote {
		byID[tx.ID] = tx
	}
	for _, tx := range local {
		if _, ok := byID[tx.ID]; ok && tx.Synced {
			continue
		}
		byID[tx.ID] = tx
	}
	out := make([]model.Transaction, 0, len(byID))
	for _, tx := range byID {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
