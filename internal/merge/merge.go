// Package merge builds the persistence payloads for the three pipeline
// outcomes: folding an occurrence into an existing error record, adding a
// new error record under an issue, and opening a new issue.
//
// Nothing here touches the store. Row ids are generated when a payload is
// built, so callers can log or reference rows before they are written.
package merge

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/sift/internal/types"
)

// BuildMerge describes how ev folds into existing.
//
// Breadcrumbs are matched by message: a known message gets one more
// timestamp, an unknown one becomes a new breadcrumb. Server id, place id
// and place version are only added when the error has not seen them yet.
// Ancestors are recorded when an error is created and are not merged.
func BuildMerge(existing *types.ErrorRecord, ev *types.RawEvent, now time.Time) *types.MergeOp {
	op := &types.MergeOp{
		ErrorID:  existing.ID,
		Context:  maps.Clone(ev.Context),
		MergedAt: now,
	}

	fresh := make(map[string]*types.Breadcrumb)
	for _, b := range ev.Breadcrumbs {
		if known := existing.Breadcrumb(b.Message); known != nil {
			op.AppendTimestamps = append(op.AppendTimestamps, types.BreadcrumbAppend{
				BreadcrumbID: known.ID,
				Message:      b.Message,
				Timestamp:    b.Timestamp,
			})
			continue
		}
		if nb, ok := fresh[b.Message]; ok {
			nb.Timestamps = append(nb.Timestamps, b.Timestamp)
			continue
		}
		nb := &types.Breadcrumb{
			ID:         uuid.NewString(),
			ErrorID:    existing.ID,
			Message:    b.Message,
			Timestamps: []time.Time{b.Timestamp},
		}
		fresh[b.Message] = nb
		op.NewBreadcrumbs = append(op.NewBreadcrumbs, nb)
	}

	if !existing.HasServerID(ev.ServerID) {
		op.NewServerIDs = append(op.NewServerIDs, types.ServerIDRef{ID: uuid.NewString(), ServerID: ev.ServerID})
	}
	if !existing.HasPlaceVersion(ev.PlaceVersion) {
		op.NewPlaceVersions = append(op.NewPlaceVersions, types.PlaceVersionRef{ID: uuid.NewString(), Version: ev.PlaceVersion})
	}
	if !existing.HasPlaceID(ev.PlaceID) {
		op.NewPlaceIDs = append(op.NewPlaceIDs, types.PlaceIDRef{ID: uuid.NewString(), PlaceID: ev.PlaceID})
	}

	return op
}

// NewErrorRecord builds a fresh error record for ev under issueID with an
// occurrence count of one.
func NewErrorRecord(ev *types.RawEvent, issueID string, now time.Time) *types.ErrorRecord {
	id := uuid.NewString()
	rec := &types.ErrorRecord{
		ID:          id,
		IssueID:     issueID,
		Message:     ev.Message,
		Trace:       ev.Trace,
		Script:      ev.Script,
		Environment: ev.Environment,
		Context:     maps.Clone(ev.Context),
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,

		ServerIDs:     []types.ServerIDRef{{ID: uuid.NewString(), ServerID: ev.ServerID}},
		PlaceVersions: []types.PlaceVersionRef{{ID: uuid.NewString(), Version: ev.PlaceVersion}},
		PlaceIDs:      []types.PlaceIDRef{{ID: uuid.NewString(), PlaceID: ev.PlaceID}},
	}

	for _, b := range ev.Breadcrumbs {
		if known := rec.Breadcrumb(b.Message); known != nil {
			known.Timestamps = append(known.Timestamps, b.Timestamp)
			continue
		}
		rec.Breadcrumbs = append(rec.Breadcrumbs, &types.Breadcrumb{
			ID:         uuid.NewString(),
			ErrorID:    id,
			Message:    b.Message,
			Timestamps: []time.Time{b.Timestamp},
		})
	}

	for _, a := range ev.Ancestors {
		rec.Ancestors = append(rec.Ancestors, types.ScriptAncestorRef{
			ID:    uuid.NewString(),
			Name:  a.Name,
			Class: a.Class,
		})
	}

	return rec
}

// NewIssue builds a new issue titled with the event message and its first
// error record.
func NewIssue(ev *types.RawEvent, now time.Time) (*types.Issue, *types.ErrorRecord) {
	issue := &types.Issue{
		ID:        uuid.NewString(),
		ProjectID: ev.ProjectID,
		Title:     ev.Message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return issue, NewErrorRecord(ev, issue.ID, now)
}

// Context returns stored with every key of update written over it. Neither
// input is modified.
func Context(stored, update map[string]any) map[string]any {
	out := make(map[string]any, len(stored)+len(update))
	maps.Copy(out, stored)
	maps.Copy(out, update)
	return out
}

// Apply folds op into rec in memory, with the same semantics the stores use.
func Apply(rec *types.ErrorRecord, op *types.MergeOp) {
	rec.Occurrences++
	rec.Context = Context(rec.Context, op.Context)
	rec.UpdatedAt = op.MergedAt

	for _, a := range op.AppendTimestamps {
		if b := rec.Breadcrumb(a.Message); b != nil {
			b.Timestamps = append(b.Timestamps, a.Timestamp)
		}
	}
	for _, nb := range op.NewBreadcrumbs {
		if b := rec.Breadcrumb(nb.Message); b != nil {
			b.Timestamps = append(b.Timestamps, nb.Timestamps...)
			continue
		}
		cp := *nb
		cp.Timestamps = append([]time.Time(nil), nb.Timestamps...)
		rec.Breadcrumbs = append(rec.Breadcrumbs, &cp)
	}
	for _, r := range op.NewServerIDs {
		if !rec.HasServerID(r.ServerID) {
			rec.ServerIDs = append(rec.ServerIDs, r)
		}
	}
	for _, r := range op.NewPlaceVersions {
		if !rec.HasPlaceVersion(r.Version) {
			rec.PlaceVersions = append(rec.PlaceVersions, r)
		}
	}
	for _, r := range op.NewPlaceIDs {
		if !rec.HasPlaceID(r.PlaceID) {
			rec.PlaceIDs = append(rec.PlaceIDs, r)
		}
	}
}
