package shipping

import (
	"sort"
	"strings"
)

// Status is a shipment's carrier-side state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusCreated        Status = "created"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusException      Status = "exception"
	StatusCancelled      Status = "cancelled"
	StatusReturned       Status = "returned"
)

var transitions = map[Status][]Status{
	StatusPending:        {StatusCreated, StatusInTransit, StatusOutForDelivery, StatusDelivered, StatusCancelled, StatusException},
	StatusCreated:        {StatusInTransit, StatusOutForDelivery, StatusDelivered, StatusCancelled, StatusException},
	StatusInTransit:      {StatusOutForDelivery, StatusDelivered, StatusException, StatusReturned},
	StatusOutForDelivery: {StatusDelivered, StatusException, StatusReturned},
	StatusException:      {StatusInTransit, StatusOutForDelivery, StatusDelivered, StatusReturned},
}

// ParseStatus normalizes s; it returns "" for unknown values.
func ParseStatus(s string) Status {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusCreated, StatusInTransit, StatusOutForDelivery,
		StatusDelivered, StatusException, StatusCancelled, StatusReturned:
		return st
	default:
		return ""
	}
}

// Terminal reports whether no further carrier updates are expected.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusReturned
}

// CanTransition reports whether a shipment may move from one status to
// another. Staying in place is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MergeEvents appends the events of incoming not already present in existing
// and returns them ordered by time. The second result is the number added.
func MergeEvents(existing, incoming []TrackingEvent) ([]TrackingEvent, int) {
	type key struct {
		at     int64
		status Status
		desc   string
	}
	seen := make(map[key]struct{}, len(existing)+len(incoming))
	out := make([]TrackingEvent, 0, len(existing)+len(incoming))
	for _, ev := range existing {
		seen[key{ev.OccurredAt.UnixNano(), ev.Status, ev.Description}] = struct{}{}
		out = append(out, ev)
	}
	added := 0
	for _, ev := range incoming {
		k := key{ev.OccurredAt.UnixNano(), ev.Status, ev.Description}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ev)
		added++
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, added
}
