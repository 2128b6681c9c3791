package domain

import "strings"

// Topic is a coarse intent category used to pick fallback guidance and bias retrieval.
type Topic string

const (
	TopicNone      Topic = ""
	TopicJobs      Topic = "jobs"
	TopicTasks     Topic = "tasks"
	TopicTimeclock Topic = "timeclock"
)

// Topics lists every known topic in classifier precedence order.
var Topics = []Topic{TopicTimeclock, TopicTasks, TopicJobs}

// ParseTopic matches a topic name case-insensitively.
func ParseTopic(s string) (Topic, bool) {
	value := strings.ToLower(strings.TrimSpace(s))
	for _, t := range Topics {
		if string(t) == value {
			return t, true
		}
	}
	return TopicNone, false
}

// String returns "none" for the generic topic so logs stay readable.
func (t Topic) String() string {
	if t == TopicNone {
		return "none"
	}
	return string(t)
}
