// Package circleci adapts the CircleCI runtime for workflow-queue.
//
// RunInfo is parsed from the job environment. Git answers revision questions
// (commit time, message, parent) from the checked-out repository. Client
// talks to the API v2 endpoints used to cancel and inspect workflows, and
// halts the current job through the local circleci-agent.
package circleci
