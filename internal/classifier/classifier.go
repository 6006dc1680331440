// Package classifier maps reply text to an intent, a recommended action and
// an optional draft answer. It keeps no state and performs no I/O.
package classifier

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/foxzi/outreach/internal/template"
)

// Intent is the classified purpose of a reply
type Intent string

const (
	IntentInterested  Intent = "interested"
	IntentMeeting     Intent = "meeting"
	IntentObjection   Intent = "objection"
	IntentNotNow      Intent = "not_now"
	IntentUnsubscribe Intent = "unsubscribe"
	IntentOutOfOffice Intent = "out_of_office"
	IntentBounce      Intent = "bounce"
	IntentOther       Intent = "other"
)

// Action is what the operator, or the engine, should do with a reply
type Action string

const (
	ActionReply        Action = "reply"
	ActionUnsubscribe  Action = "unsubscribe"
	ActionArchive      Action = "archive"
	ActionStopSequence Action = "stop_sequence"
	ActionEscalate     Action = "escalate"
)

// DefaultConfidence is reported when no rule matches
const DefaultConfidence = 0.3

const maxConfidence = 0.99

// Result is the outcome of classifying one reply
type Result struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Action     Action  `json:"action"`
	DraftReply *string `json:"draft_reply"`
	Reasoning  string  `json:"reasoning"`
}

// Contact is the optional context used to personalize drafts
type Contact struct {
	FirstName string
	Company   string
}

type rule struct {
	intent   Intent
	weight   float64
	patterns []*regexp.Regexp
}

func newRule(intent Intent, weight float64, patterns ...string) rule {
	r := rule{intent: intent, weight: weight}
	for _, p := range patterns {
		r.patterns = append(r.patterns, regexp.MustCompile(`(?i)`+p))
	}
	return r
}

// Declaration order is precedence on equal confidence
var rules = []rule{
	newRule(IntentBounce, 0.97,
		`\b(delivery\s+status\s+notification|delivery\s+(has\s+)?failed|delivery\s+failure)\b`,
		`\bundeliverable\b`,
		`\b(address|mailbox|user|recipient)\s+(not\s+found|unknown|unavailable|does\s*n[o']t\s+exist)\b`,
		`\b550\b|\b5\.1\.[0-9]\b`,
		`\bmailer-daemon\b|\bpostmaster\b`,
		`\b(could\s*n[o']t|could\s+not|was\s+not|cannot)\s+be\s+delivered\b`,
	),
	newRule(IntentUnsubscribe, 0.98,
		`\bunsubscribe\b`,
		`\b(unsubscribe|remove|take)\s+me\b`,
		`\b(from|off)\s+(this|your|the|my)\s+(mailing\s+)?(list|e-?mails?)\b`,
		`\b(stop|quit|do\s*n[o']t)\s+(emailing|contacting|e-?mail|contact|sending)\b|\bopt[\s-]?out\b`,
	),
	newRule(IntentOutOfOffice, 0.95,
		`\bout\s+of\s+(the\s+)?office\b`,
		`\bauto(matic)?[\s-]?(reply|response)\b`,
		`\b(on|currently\s+on)\s+(vacation|holiday|leave|pto|parental\s+leave)\b`,
		`\b(limited|no)\s+access\s+to\s+(my\s+)?e-?mail\b`,
		`\b(return|back)\s+(on|in|at)\b`,
	),
	newRule(IntentObjection, 0.85,
		`\bnot\s+interested\b`,
		`\bno\s+thanks?\b`,
		`\balready\s+(have|use|using|work\s+with)\b`,
		`\b(too\s+expensive|no\s+budget|can'?t\s+afford)\b`,
		`\bnot\s+(a\s+)?(good\s+)?fit\b`,
	),
	newRule(IntentNotNow, 0.8,
		`\bnot\s+(right\s+)?now\b`,
		`\b(next|later\s+this)\s+(quarter|month|year)\b`,
		`\b(reach|circle|follow)\s+(back|up)\s+(later|in)\b`,
		`\b(busy|swamped)\b`,
		`\bbad\s+tim(e|ing)\b`,
	),
	newRule(IntentMeeting, 0.9,
		`\b(schedule|book|set\s+up)\s+(a\s+)?(call|meeting|demo|time)\b`,
		`\b(calendar|calendly)\b`,
		`\bavailable\s+(on|at|this|next)\b`,
		`\b(let'?s|happy\s+to)\s+(talk|chat|meet|connect)\b`,
		`\b(monday|tuesday|wednesday|thursday|friday)\b`,
	),
	newRule(IntentInterested, 0.85,
		`\b(very|really|definitely|am|are|i'?m|we'?re)\s+interested\b`,
		`\btell\s+me\s+more\b`,
		`\b(sounds|looks)\s+(good|great|interesting)\b`,
		`\b(send|share)\s+(me\s+|us\s+)?(more\s+)?(info|information|details|pricing|deck)\b`,
		`\bhow\s+(much|does\s+(it|this)\s+work)\b`,
	),
}

var actions = map[Intent]Action{
	IntentInterested:  ActionReply,
	IntentMeeting:     ActionReply,
	IntentObjection:   ActionReply,
	IntentNotNow:      ActionReply,
	IntentUnsubscribe: ActionUnsubscribe,
	IntentOutOfOffice: ActionArchive,
	IntentBounce:      ActionStopSequence,
	IntentOther:       ActionEscalate,
}

// Intents without an entry never get a draft
var drafts = map[Intent]string{
	IntentInterested: "Hi {{first_name}},\n\nGreat to hear from you! I'd be glad to share more details about how we could help {{company}}. " +
		"Would a short call this week work for you?\n\nBest regards",
	IntentMeeting: "Hi {{first_name}},\n\nThanks, happy to find a time. Let me know which slot suits you best " +
		"and I'll send over an invite for {{company}}.\n\nBest regards",
	IntentObjection: "Hi {{first_name}},\n\nThanks for the candid reply, I appreciate it. If it helps, I can share how similar teams " +
		"to {{company}} handled the same concern. Otherwise I won't take more of your time.\n\nBest regards",
	IntentNotNow: "Hi {{first_name}},\n\nUnderstood, thanks for letting me know. I'll check back in a few months " +
		"to see whether the timing is better for {{company}}.\n\nBest regards",
}

// ActionFor returns the recommended action for an intent
func ActionFor(intent Intent) Action {
	if a, ok := actions[intent]; ok {
		return a
	}
	return ActionEscalate
}

// Classify scores subject and body against the intent rules. contact may be nil.
func Classify(subject, body string, contact *Contact) Result {
	return classify(rules, subject, body, contact)
}

func classify(rs []rule, subject, body string, contact *Contact) Result {
	text := subject + "\n" + body

	best := -1
	var bestConf float64
	var bestMatched int
	for i, r := range rs {
		matched := r.matches(text)
		if matched == 0 {
			continue
		}
		conf := confidence(r.weight, matched, len(r.patterns))
		if best < 0 || conf > bestConf {
			best, bestConf, bestMatched = i, conf, matched
		}
	}

	if best < 0 {
		return Result{
			Intent:     IntentOther,
			Confidence: DefaultConfidence,
			Action:     ActionFor(IntentOther),
			Reasoning:  "no intent rule matched",
		}
	}

	r := rs[best]
	return Result{
		Intent:     r.intent,
		Confidence: bestConf,
		Action:     ActionFor(r.intent),
		DraftReply: Draft(r.intent, contact),
		Reasoning:  fmt.Sprintf("matched %d of %d %s patterns", bestMatched, len(r.patterns), r.intent),
	}
}

func (r rule) matches(text string) int {
	n := 0
	for _, p := range r.patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

// confidence = min(weight * (0.5 + 0.5*matched/total), 0.99)
func confidence(weight float64, matched, total int) float64 {
	if matched <= 0 || total <= 0 {
		return 0
	}
	return math.Min(weight*(0.5+0.5*float64(matched)/float64(total)), maxConfidence)
}

// Draft renders the reply template for an intent, nil when the intent has none
func Draft(intent Intent, contact *Contact) *string {
	tmpl, ok := drafts[intent]
	if !ok {
		return nil
	}

	vars := map[string]string{"first_name": "there", "company": "your team"}
	if contact != nil {
		if name := strings.TrimSpace(contact.FirstName); name != "" {
			vars["first_name"] = name
		}
		if company := strings.TrimSpace(contact.Company); company != "" {
			vars["company"] = company
		}
	}

	draft := template.Interpolate(tmpl, vars)
	return &draft
}
