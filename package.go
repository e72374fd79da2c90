// Package asyncfile provides an asynchronous file channel: positional
// reads and writes, byte-range locks, size, truncate and flush
// operations that run on a shared worker pool and complete through a
// future-like Operation.
//
// Key components:
//
//   - Group: owns a worker pool shared by many channels. DefaultGroup
//     returns the process-wide group, built once on first use.
//     NewGroup and NewWorkerGroup build groups owning their own pool.
//
//   - Channel: opened over a File with Open or OpenFile. Read, Write,
//     Lock, SizeAsync, TruncateAsync and ForceAsync return an
//     Operation immediately; TryLock, ReleaseLock, Size, Truncate and
//     Force are synchronous. Close cancels and drains outstanding
//     operations, releases held locks and unbinds from the group.
//
//   - Operation: one in-flight request. It reaches exactly one
//     terminal state (Completed, Failed or Cancelled), observed through
//     its Handler, Done, Get or Await. Cancel is best effort: work
//     that has not started is cancelled at once, running work decides
//     its own outcome.
//
//   - LockTable and FileLock: advisory byte-range locks per channel.
//     Shared locks may overlap each other; exclusive locks overlap
//     nothing. Blocked requests are granted in FIFO order.
//
//   - Schedule and Task: coroutine tasks that call channel operations
//     as if they were blocking, suspending until each completes.
//
// Package rawfile provides the File implementation over *os.File.
package asyncfile
