// Package conversation runs chat turns against the news corpus.
//
// A turn appends the user's message to the session log, asks the query
// engine for an answer, appends the answer and returns the updated history.
// The streaming variant additionally reports typing state and reveals the
// answer in small paced chunks.
//
// # Architecture
//
// The main components are:
//   - Orchestrator: coordinates the session store and the query engine
//   - keyedMutex: serializes turns per session id without blocking others
//   - Publisher: optional sink for turn events (NATSPublisher)
//
// # Ordering
//
// Within one turn the user message is stored before the answer is computed,
// and the answer is stored before history is read back. Turns on the same
// session run one at a time; turns on different sessions run concurrently.
//
// # Cancellation
//
// Cancelling the context of StreamTurn stops chunk delivery only. The
// answer is still computed and both messages are still stored, so a dropped
// connection never loses a turn.
//
// # Usage
//
//	orch := conversation.New(store, engine, conversation.Config{
//	    ChunkDelay: 20 * time.Millisecond,
//	}, logger)
//	turn, err := orch.HandleTurn(ctx, sessionID, "What happened today?")
package conversation
