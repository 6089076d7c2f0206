// Package admission decides when a pipeline run may enter its partition.
//
// Acquire writes a QUEUED entry, then polls the shared store. On each attempt
// the run cancels itself when a newer run is queued behind it (squashing,
// unless NoSquash is set), optionally waits for the previous commit's entry to
// appear, and moves to RUNNING once it holds the earliest active position.
// Queue order is (committed_at, workflow_id) ascending.
//
// A cancel decision is returned to the caller and written to the scratch
// record; enforcing it is left to the cancellation package so the run can
// finish any cleanup first.
package admission
