// Package main hosts the workflow-queue CLI.
//
// Pipeline steps call acquire before the serialized section, cancel-self right
// after it when admission decided the run was superseded, and release at the
// end of the job. Operators use list and cancel to inspect the shared store
// and clear stuck locks. Every subcommand resolves configuration once through
// commandContext and talks to the store directly; there is no daemon.
package main
