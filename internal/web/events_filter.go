package web

import (
	"net/http"
	"strings"

	"github.com/byildiz78/webser/internal/events"
)

type eventFilter struct {
	class     string
	jobID     string
	eventType string
}

func parseEventFilter(r *http.Request) eventFilter {
	query := r.URL.Query()
	return eventFilter{
		class:     strings.TrimSpace(query.Get("class")),
		jobID:     strings.TrimSpace(query.Get("job_id")),
		eventType: strings.TrimSpace(query.Get("type")),
	}
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.class != "" && event.Class != f.class {
		return false
	}
	if f.jobID != "" && event.JobID != f.jobID {
		return false
	}
	if f.eventType != "" && event.Type != f.eventType {
		return false
	}
	return true
}
