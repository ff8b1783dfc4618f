// Package dispatch bridges the poll-only agent transport into request/response
// semantics.
//
// The Server owns the task queue. The agent never receives unsolicited
// messages: it polls with a query and is told either to wait or to execute
// the head task. When it reports a result, the server resolves the waiting
// slot and answers the report with the next directive, so a busy agent never
// spends a round trip on an extra poll.
//
// Dispatch semantics:
//   - At most one task is handed to the agent per poll, in FIFO order
//   - A task leaves the queue exactly once (take-and-mark is atomic)
//   - A poll that arrives while a task is still unreported drops that task;
//     its caller keeps waiting and a later result cannot land in its slot
//   - A result with nothing outstanding is discarded (orphaned)
//
// Every transition is published on the event hub and, when configured,
// recorded in the task journal. Journal failures are logged only.
package dispatch
