// Package faults defines the error taxonomy shared by the queue protocol and
// the CLI.
//
// Components tag failures with one of the sentinel markers through Wrap so
// callers can classify them with errors.Is without parsing messages. The CLI
// entrypoint converts the marker into a process exit code via ExitCode.
package faults
