package relay

import "context"

// Engine is the external model-calling capability the runtime delegates to.
// The runtime never inspects how language is understood or generated; it only
// consumes the event stream.
//
// Run executes one turn: it sends progress events on ch and closes ch when
// the stream ends, then returns. A successful stream carries exactly one
// terminating done event; the absence of a terminal event is treated as
// "possibly hung" by the caller's watchdog, never as completion. Cancellation
// is cooperative via ctx.
type Engine interface {
	Run(ctx context.Context, req TurnRequest, ch chan<- Event) error
}

// TurnRequest carries everything an Engine needs for one turn. The field set
// is closed on purpose: engines recognize exactly these options and nothing
// else.
type TurnRequest struct {
	// Prompt is the new user input for this turn.
	Prompt string
	// Continuation is the resume token from the previous done event.
	// Empty for the first turn of a session.
	Continuation string
	// SystemPrompt is the standing instruction for the turn.
	SystemPrompt string
	// Model selects which model serves the turn. Empty = engine default.
	Model string
	// History is the stored conversation for engine variants that keep no
	// server-side state. Engines with server-side sessions may ignore it
	// and rely on Continuation alone.
	History []Message
}

// collectText runs one engine turn and returns the concatenated text-delta
// output plus the continuation token. Used for auxiliary calls (summarization)
// where only the final text matters.
func collectText(ctx context.Context, e Engine, req TurnRequest) (string, string, error) {
	ch := make(chan Event, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Run(ctx, req, ch)
	}()

	var text []byte
	var continuation string
	var streamErr *ErrEngine
	for ev := range ch {
		switch ev.Type {
		case EventTextDelta:
			text = append(text, ev.Text...)
		case EventDone:
			continuation = ev.Continuation
		case EventError:
			streamErr = &ErrEngine{Op: "collect", Message: ev.Message}
		}
	}
	if err := <-errCh; err != nil {
		return "", "", err
	}
	if streamErr != nil {
		return "", "", streamErr
	}
	return string(text), continuation, nil
}
