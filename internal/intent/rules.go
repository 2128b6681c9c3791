// Package intent maps free-form channel text to a coarse topic without any I/O.
//
// Precedence lives in data, not code order: Rules is evaluated top to bottom and
// the first match wins. Bump RulesVersion whenever a vocabulary or the order changes
// so reply logs can be correlated with the table that produced them.
package intent

import (
	"regexp"
	"strings"

	"github.com/cloo-solutions/crewbot/internal/domain"
)

// RulesVersion identifies the current rule table.
const RulesVersion = "3"

// Rule maps a vocabulary to a topic.
type Rule struct {
	Name     string
	Topic    domain.Topic
	Keywords []string
	pattern  *regexp.Regexp
}

// Match reports whether the normalized text contains one of the rule's keywords
// as a whole word or phrase.
func (r *Rule) Match(normalized string) bool {
	return r.pattern.MatchString(normalized)
}

// Rules is the keyword pass, in precedence order timeclock, tasks, jobs.
// Trigger words are disjoint across topics; intent_test enforces it.
var Rules = []*Rule{
	newRule("timeclock-vocabulary", domain.TopicTimeclock, []string{
		"clock in", "clock out", "clocked in", "clocked out", "clocking in", "clocking out",
		"clock", "timeclock", "time clock", "timesheet", "timesheets",
		"punch in", "punch out", "on break", "on a break", "take a break", "taking a break",
		"lunch break", "my break", "start break", "end break", "breaks", "shift", "shifts",
		"overtime", "hours worked",
	}),
	newRule("tasks-vocabulary", domain.TopicTasks, []string{
		"task", "tasks", "subtask", "subtasks", "todo", "todos", "to-do", "to-dos",
		"checklist", "checklists", "assign", "assigned", "assignment", "assignments",
	}),
	newRule("jobs-vocabulary", domain.TopicJobs, []string{
		"job", "jobs", "job site", "work order", "work orders", "quote", "quotes",
		"estimate", "estimates", "invoice", "invoices", "customer", "customers",
		"schedule", "scheduled",
	}),
}

// usageAliases feeds the secondary "how do I use X" pass. It names features by
// phrases people use that are not trigger words in Rules.
var usageAliases = map[string]domain.Topic{
	"dispatch":       domain.TopicJobs,
	"dispatch board": domain.TopicJobs,
	"work":           domain.TopicJobs,
	"to do":          domain.TopicTasks,
	"to do list":     domain.TopicTasks,
	"time tracking":  domain.TopicTimeclock,
	"time tracker":   domain.TopicTimeclock,
	"attendance":     domain.TopicTimeclock,
}

var usagePattern = regexp.MustCompile(
	`(?:how (?:do|can|should) i use|how to use|how (?:do|can) i|how to|help with|help me with)\s+(?:the |my |a )?([a-z -]+?)(?:\s+(?:app|feature|section|tab|page))?[ ?!.]*$`,
)

// genericHelpPattern only matches when the whole message is a help phrasing, so
// "how do I clock in" is not generic help but a bare "how do I?" is.
var genericHelpPattern = regexp.MustCompile(
	`^(?:help|help me|help please|i need help|need help|menu|options|start|hi|hello|hey|` +
		`what can i do|what can you do|what now|what do i do|now what|` +
		`how do i|how to|how does this work|what is this|\?)[ ?!.]*$`,
)

// newRule compiles keywords into one pattern. A hyphen separates words like a
// space does, so "clock-in" and "re-assign" match; hyphens inside a keyword stay
// literal, so "to-do" does not match "to do".
func newRule(name string, topic domain.Topic, keywords []string) *Rule {
	alternatives := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		alternatives = append(alternatives, strings.ReplaceAll(regexp.QuoteMeta(kw), " ", `(?:\s+|-)`))
	}
	return &Rule{
		Name:     name,
		Topic:    topic,
		Keywords: keywords,
		pattern:  regexp.MustCompile(`(?:^|[^a-z0-9])(?:` + strings.Join(alternatives, "|") + `)(?:$|[^a-z0-9])`),
	}
}
