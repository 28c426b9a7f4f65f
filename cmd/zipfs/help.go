package main

const (
	helpTextUse = "zipfs <root-dir> <mount-dir>"

	helpTextShort = "a read-only FUSE filesystem for browsing of ZIP files"

	helpTextLong = `zipfs is a read-only FUSE filesystem that mirrors another filesystem,
with its contained .zip archives presented as regular, browseable folders.
It handles in-memory enumeration,
chunked streaming and on-the-fly extraction - so that consumers remain
entirely unaware of an archive being involved. It includes a HTTP webserver
for a responsive diagnostics dashboard and runtime configurables.

When mounted, the following OS signals are observed at runtime:
- SIGTERM/SIGINT for gracefully unmounting the FS
- SIGUSR1 for forcing a garbage collection run within Go
- SIGUSR2 for printing a stack trace to standard error (stderr)

When enabled, the diagnostics dashboard exposes the following routes:
- "/" for filesystem dashboard and event ring-buffer
- "/metrics.json" for the filesystem metrics in JSON format
- "/gc" for forcing of a garbage collection (within Go)
- "/reset" for resetting the filesystem metrics at runtime
- "/set/checkall/<bool>" for adapting forced integrity checking
- "/set/bypass/<bool>" for bypassing the file descriptor cache
- "/set/threshold/<string>" for adapting of the streaming threshold`
)
