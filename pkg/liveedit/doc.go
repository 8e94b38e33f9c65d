// Package liveedit debounces topology edits made against running labs
// and applies each quiet-window batch as removals followed by
// single-node deploy jobs.
package liveedit
