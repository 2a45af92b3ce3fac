// Package gapfill finds holes in the persisted record and repairs them
// over REST. The detector runs LEAD-window queries per market; the
// backfiller re-fetches the missing window page by page and relies on
// the writers' idempotent insert policy to absorb overlap.
package gapfill
