// Package transport defines how gridchain moves files to a remote host and
// runs commands there, and a registry of transport implementations keyed by
// connection kind.
package transport

import "context"

// Transport moves files between the local staging area and a remote host.
//
// Pushes are queued and only performed by Transfer, so a compile can stage
// every file first and then either ship all of them or discard all of them
// (dry run) without partial remote side effects.
type Transport interface {
	// QueueForPush schedules the local file to be copied into remoteDir.
	QueueForPush(local, remoteDir string)
	// Transfer performs every queued push and empties the queue.
	Transfer(ctx context.Context) error
	// Wipe discards the queue without transferring anything.
	Wipe()
	// Pending returns the number of queued pushes.
	Pending() int
	// Pull copies a remote file to a local path. A missing remote file
	// returns an error wrapping os.ErrNotExist.
	Pull(ctx context.Context, remote, local string) error
}

// Connection runs commands on a remote host.
type Connection interface {
	// Host identifies the machine. Runners sharing a Host share a manifest.
	Host() string
	// Submitter is the queueing command (e.g. "sbatch"). Empty when the host
	// has no queue.
	Submitter() string
	// Shell is the plain shell command used for direct invocation.
	Shell() string
	// Manifest is the path of the host's manifest log.
	Manifest() string
	// Cmd runs command on the host. When async is true it returns as soon as
	// the command has been dispatched and the returned output is empty.
	Cmd(ctx context.Context, command string, async bool) (string, error)
}

// Endpoint is a transport and connection to the same host. Every
// implementation in this repository provides both.
type Endpoint interface {
	Transport
	Connection
	// Close releases network resources held by the endpoint.
	Close() error
}
