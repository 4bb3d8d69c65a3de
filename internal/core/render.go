package core

import (
	"html"
	"strings"
	"time"

	"github.com/1363V4/datastar-job/internal/store"
)

// PatchFunc sends one HTML fragment to the client. The fragment's root id
// selects the element it replaces.
type PatchFunc func(elements string) error

const isoTimestamp = "2006-01-02T15:04:05.000000"

// joinAnswers concatenates every assistant message with a single space.
func joinAnswers(messages []store.Message) string {
	var answers []string
	for _, msg := range messages {
		if msg.Role == store.RoleAssistant {
			answers = append(answers, msg.Content)
		}
	}
	return strings.Join(answers, " ")
}

func liveAnswerFragment(text string) string {
	return "<div id='answer'>" + html.EscapeString(text) + "</div>"
}

// finalAnswerFragment also renders the input bound to the "question" signal
// so the user can ask the next question.
func finalAnswerFragment(text string) string {
	return `<div id='answer' class="gc">
<div class="messages">
` + html.EscapeString(text) + `
</div>
<input id="question" data-bind-question type="text" value=" " class="gp-s">
</div>`
}

func clockFragment(t time.Time) string {
	return "<span id='time'>" + t.Format(isoTimestamp) + "</span>"
}
