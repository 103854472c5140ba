// Package deduplication decides where a raw error event belongs.
//
// # Overview
//
// Every event resolved by the pipeline goes through up to two lookups:
//
//  1. ResolveIssue compares the event message against the canonical message
//     of every unresolved issue belonging to the same project.
//  2. ResolveError, only when an issue matched, compares the event trace
//     against the trace of every error record under that issue.
//
// A candidate matches when its similarity is strictly greater than
// Config.Threshold (0.9 by default). Among matching candidates the highest
// score wins; equal scores are broken by the lexicographically lowest id so
// that the decision does not depend on the order rows come back from the
// store.
//
// # Outcomes
//
//   - no issue match:           create a new issue with one error record
//   - issue match, no error:    create a new error record (quota gated)
//   - issue and error match:    merge the occurrence into the error record
//
// Resolution is pure: callers load candidates and the resolver never
// performs I/O. Events in the same batch are resolved against the same
// pre-batch snapshot, so two near-identical events arriving together can
// each create their own issue.
package deduplication
