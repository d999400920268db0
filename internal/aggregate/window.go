// Package aggregate derives report views from local-pending and
// remote-confirmed records. Everything here is a pure function of its inputs.
package aggregate

import (
	"fmt"
	"sort"
	"time"
)

const DefaultBucketMinutes = 15

// Point is one timestamped count.
type Point struct {
	At    time.Time
	Group string
	Count int64
}

type Bucket struct {
	Start time.Time `json:"start"`
	Label string    `json:"label"`
	Total int64     `json:"total"`
}

// FloorBucket returns floor(t / minutes) * minutes, keeping t's location.
func FloorBucket(t time.Time, minutes int) time.Time {
	if minutes <= 0 {
		minutes = DefaultBucketMinutes
	}
	w := int64(minutes) * 60
	return time.Unix((t.Unix()/w)*w, 0).In(t.Location())
}

// BucketLabel renders a bucket start as HH:MM.
func BucketLabel(start time.Time) string {
	return start.Format("15:04")
}

// BucketKey returns the composite key branch#group#bucketStartUnix.
func BucketKey(branchID, group string, start time.Time) string {
	return fmt.Sprintf("%s#%s#%d", branchID, group, start.Unix())
}

// Windowed sums points per bucket, ascending by bucket start.
func Windowed(points []Point, bucketMinutes int) []Bucket {
	sums := make(map[int64]*Bucket)
	for _, p := range points {
		start := FloorBucket(p.At, bucketMinutes)
		b, ok := sums[start.Unix()]
		if !ok {
			b = &Bucket{Start: start, Label: BucketLabel(start)}
			sums[start.Unix()] = b
		}
		b.Total += p.Count
	}
	out := make([]Bucket, 0, len(sums))
	for _, b := range sums {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// FilterGroup keeps the points of one group; an empty group keeps all.
func FilterGroup(points []Point, group string) []Point {
	if group == "" {
		return points
	}
	var out []Point
	for _, p := range points {
		if p.Group == group {
			out = append(out, p)
		}
	}
	return out
}

// SameDay reports whether t falls on day's calendar date in day's location.
func SameDay(t, day time.Time) bool {
	y1, m1, d1 := t.In(day.Location()).Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
