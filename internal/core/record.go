// Package core defines the record, error, and schema types shared by
// every ingestion component.
//
// Architecture:
//
//	RawRecord   - normalized unit of ingestion, produced by both paths
//	Error       - coded error taxonomy with retryability hints
//	EntitySchema- per-entity payload validation
package core

import "time"

// Origin identifies which delivery path produced a record.
type Origin string

const (
	// OriginBatch marks records pulled by the batch puller.
	OriginBatch Origin = "batch"
	// OriginCallback marks records pushed by a source callback.
	OriginCallback Origin = "callback"
)

// RawRecord is the normalized unit of ingestion. Both delivery paths emit
// the same shape so downstream consumers never care where a record came from.
type RawRecord struct {
	SourceID   string         `json:"sourceId"`
	EntityID   string         `json:"entityId"`
	ExternalID string         `json:"externalId"`
	Attributes map[string]any `json:"attributes"`

	// BusinessTime is the source-asserted change time. Zero when the
	// source does not carry one; consumers fall back to ReceivedAt.
	BusinessTime time.Time `json:"businessTime,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`

	Origin      Origin `json:"origin"`
	ContentHash string `json:"contentHash"`
}

// EffectiveTime returns the business timestamp, falling back to the
// receive time when the source did not assert one.
func (r *RawRecord) EffectiveTime() time.Time {
	if !r.BusinessTime.IsZero() {
		return r.BusinessTime
	}
	return r.ReceivedAt
}

// Key returns the (source, entity, external) identity of the record.
func (r *RawRecord) Key() string {
	return r.SourceID + "/" + r.EntityID + "/" + r.ExternalID
}

// Finalize stamps receive time and content hash if not already set.
func (r *RawRecord) Finalize(now time.Time) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = now
	}
	if r.ContentHash == "" {
		r.ContentHash = HashAttributes(r.Attributes)
	}
}
