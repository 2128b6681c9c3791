package intent

import (
	"strings"
	"unicode"

	"github.com/cloo-solutions/crewbot/internal/domain"
)

// Reason names the stage of the classifier that decided a topic.
type Reason string

const (
	ReasonHint        Reason = "hint"
	ReasonGenericHelp Reason = "generic-help"
	ReasonKeyword     Reason = "keyword"
	ReasonUsage       Reason = "usage-phrase"
	ReasonDefault     Reason = "default"
)

// Classification is a topic plus the rule that produced it.
type Classification struct {
	Topic  domain.Topic
	Reason Reason
	Rule   string
}

// Classify returns the topic for text and optional hints. It is total and
// deterministic. Hints win over everything, including generic help; callers that
// want help phrasing to beat hints check IsGenericHelp on the raw text first.
func Classify(text string, hints []string) domain.Topic {
	return Explain(text, hints).Topic
}

// Explain is Classify with the deciding rule attached.
func Explain(text string, hints []string) Classification {
	for _, hint := range hints {
		if topic, ok := domain.ParseTopic(hint); ok {
			return Classification{Topic: topic, Reason: ReasonHint, Rule: "hint:" + string(topic)}
		}
	}

	normalized := Normalize(text)

	if genericHelpPattern.MatchString(normalized) {
		return Classification{Topic: domain.TopicNone, Reason: ReasonGenericHelp, Rule: "generic-help"}
	}

	for _, rule := range Rules {
		if rule.Match(normalized) {
			return Classification{Topic: rule.Topic, Reason: ReasonKeyword, Rule: rule.Name}
		}
	}

	if topic, ok := usageTopic(normalized); ok {
		return Classification{Topic: topic, Reason: ReasonUsage, Rule: "usage:" + string(topic)}
	}

	return Classification{Topic: domain.TopicNone, Reason: ReasonDefault, Rule: "default"}
}

// IsGenericHelp reports whether text as a whole is a help request. Hints are
// deliberately not consulted.
func IsGenericHelp(text string) bool {
	return genericHelpPattern.MatchString(Normalize(text))
}

// Normalize lowercases text, folds typographic apostrophes and collapses runs of
// whitespace. Punctuation other than '-', '?', '!' and '.' becomes a space.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case r == '’' || r == '‘' || r == '\'':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '?' || r == '!' || r == '.':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		default:
			space = true
		}
	}
	return b.String()
}

func usageTopic(normalized string) (domain.Topic, bool) {
	m := usagePattern.FindStringSubmatch(normalized)
	if m == nil {
		return domain.TopicNone, false
	}
	subject := strings.TrimSpace(m[1])
	if topic, ok := usageAliases[subject]; ok {
		return topic, true
	}
	if topic, ok := domain.ParseTopic(strings.ReplaceAll(subject, " ", "")); ok {
		return topic, true
	}
	return domain.TopicNone, false
}
