// Package relay is a session orchestration and context-lifecycle engine for a
// long-lived conversational agent. It gives one agent a single consistent
// identity across many concurrent callers (chat front-ends, a scheduled task
// runner, internal maintenance routines) while delegating language work to an
// external model-calling Engine it does not control.
//
// The Runtime serializes concurrent prompts into a single active turn through
// a FIFO queue, fans streamed progress events out to subscribers tagged with
// the originating Source, keeps the accumulated conversation under a bounded
// character budget via summarization-based compaction (Compactor), persists a
// Checkpoint so a process restart resumes the same logical conversation, and
// aborts turns whose engine stream goes silent (inactivity watchdog).
//
// RunTask provides the scheduled-task side: a throwaway, fully isolated turn
// with no queue, no shared history, and no persistence, paired with a
// notification policy (ShouldNotify).
package relay
