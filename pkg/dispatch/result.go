package dispatch

import "github.com/subflowhq/subflow/pkg/billing"

// Result is the uniform outcome every handler produces. The HTTP layer maps
// it onto a status code: success or benign no-op -> 200, permanent rejection
// -> 4xx, ShouldRetry -> 5xx so the provider redelivers.
type Result struct {
	Success     bool
	EventID     string
	EventType   billing.EventType
	Message     string
	Err         error
	ShouldRetry bool
}

func ok(event *billing.Event, message string) Result {
	return Result{
		Success:   true,
		EventID:   event.ID,
		EventType: event.Type,
		Message:   message,
	}
}

func permanent(event *billing.Event, err error) Result {
	return Result{
		EventID:   event.ID,
		EventType: event.Type,
		Err:       err,
	}
}

func transient(event *billing.Event, err error) Result {
	return Result{
		EventID:     event.ID,
		EventType:   event.Type,
		Err:         err,
		ShouldRetry: true,
	}
}
