package classifier

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		subject   string
		body      string
		want      Intent
		action    Action
		minConf   float64
		wantDraft bool
	}{
		{
			name:    "unsubscribe request",
			body:    "Please unsubscribe me from this list",
			want:    IntentUnsubscribe,
			action:  ActionUnsubscribe,
			minConf: 0.85,
		},
		{
			name:    "hard bounce",
			subject: "Undeliverable: Mail delivery failed",
			body:    "This message was sent by mailer-daemon. Your message could not be delivered: 550 5.1.1 recipient address not found.",
			want:    IntentBounce,
			action:  ActionStopSequence,
			minConf: 0.9,
		},
		{
			name:    "out of office",
			subject: "Automatic reply: Out of Office",
			body:    "I am out of the office on vacation and will be back on Monday with limited access to email.",
			want:    IntentOutOfOffice,
			action:  ActionArchive,
			minConf: 0.9,
		},
		{
			name:      "meeting",
			body:      "Sure, let's talk. Are you available on Tuesday? Here's my calendar link.",
			want:      IntentMeeting,
			action:    ActionReply,
			minConf:   0.8,
			wantDraft: true,
		},
		{
			name:      "interested",
			body:      "This sounds interesting, tell me more and send me pricing.",
			want:      IntentInterested,
			action:    ActionReply,
			minConf:   0.6,
			wantDraft: true,
		},
		{
			name:      "objection beats interested",
			body:      "Thanks but we are not interested, we already use another vendor.",
			want:      IntentObjection,
			action:    ActionReply,
			minConf:   0.5,
			wantDraft: true,
		},
		{
			name:      "not now",
			body:      "Not right now, we're swamped. Reach back in next quarter.",
			want:      IntentNotNow,
			action:    ActionReply,
			minConf:   0.7,
			wantDraft: true,
		},
		{
			name:    "nothing matches",
			body:    "Who is this?",
			want:    IntentOther,
			action:  ActionEscalate,
			minConf: DefaultConfidence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.subject, tt.body, nil)
			if got.Intent != tt.want {
				t.Fatalf("intent = %s (%s), want %s", got.Intent, got.Reasoning, tt.want)
			}
			if got.Action != tt.action {
				t.Errorf("action = %s, want %s", got.Action, tt.action)
			}
			if got.Confidence < tt.minConf || got.Confidence > 0.99 {
				t.Errorf("confidence = %v, want in [%v, 0.99]", got.Confidence, tt.minConf)
			}
			if (got.DraftReply != nil) != tt.wantDraft {
				t.Errorf("draft present = %v, want %v", got.DraftReply != nil, tt.wantDraft)
			}
			if got.Reasoning == "" {
				t.Error("empty reasoning")
			}
		})
	}
}

func TestOtherHasFixedConfidence(t *testing.T) {
	got := Classify("", "", nil)
	if got.Intent != IntentOther || got.Confidence != 0.3 || got.DraftReply != nil {
		t.Errorf("Classify(empty) = %+v", got)
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	for _, r := range rules {
		n := len(r.patterns)
		prev := 0.0
		for m := 1; m <= n; m++ {
			c := confidence(r.weight, m, n)
			if c < prev {
				t.Errorf("%s: confidence(%d/%d) = %v < %v", r.intent, m, n, c, prev)
			}
			if c > maxConfidence {
				t.Errorf("%s: confidence(%d/%d) = %v above cap", r.intent, m, n, c)
			}
			prev = c
		}
	}

	if got := confidence(1, 3, 3); got != 0.99 {
		t.Errorf("confidence(1, 3/3) = %v, want cap 0.99", got)
	}
}

func TestTieGoesToFirstDeclaredRule(t *testing.T) {
	rs := []rule{
		newRule(IntentBounce, 0.8, `\bshared\b`),
		newRule(IntentInterested, 0.8, `\bshared\b`),
	}
	if got := classify(rs, "", "a shared phrase", nil); got.Intent != IntentBounce {
		t.Errorf("intent = %s, want %s", got.Intent, IntentBounce)
	}

	rs[0], rs[1] = rs[1], rs[0]
	if got := classify(rs, "", "a shared phrase", nil); got.Intent != IntentInterested {
		t.Errorf("intent after reorder = %s, want %s", got.Intent, IntentInterested)
	}
}

func TestDraft(t *testing.T) {
	for _, intent := range []Intent{IntentUnsubscribe, IntentOutOfOffice, IntentBounce, IntentOther} {
		if Draft(intent, &Contact{FirstName: "Ada"}) != nil {
			t.Errorf("Draft(%s) should be nil", intent)
		}
	}

	generic := Draft(IntentInterested, nil)
	if generic == nil {
		t.Fatal("Draft(interested) is nil")
	}
	if !strings.HasPrefix(*generic, "Hi there,") || !strings.Contains(*generic, "your team") {
		t.Errorf("fallbacks not applied: %q", *generic)
	}

	personal := Draft(IntentNotNow, &Contact{FirstName: "Ada", Company: "Acme"})
	if !strings.HasPrefix(*personal, "Hi Ada,") || !strings.Contains(*personal, "Acme") {
		t.Errorf("contact not interpolated: %q", *personal)
	}
	if strings.Contains(*personal, "{{") {
		t.Errorf("placeholder left in draft: %q", *personal)
	}
}

func TestActionFor(t *testing.T) {
	tests := map[Intent]Action{
		IntentInterested:  ActionReply,
		IntentMeeting:     ActionReply,
		IntentObjection:   ActionReply,
		IntentNotNow:      ActionReply,
		IntentUnsubscribe: ActionUnsubscribe,
		IntentOutOfOffice: ActionArchive,
		IntentBounce:      ActionStopSequence,
		IntentOther:       ActionEscalate,
		Intent("unknown"): ActionEscalate,
	}
	for intent, want := range tests {
		if got := ActionFor(intent); got != want {
			t.Errorf("ActionFor(%s) = %s, want %s", intent, got, want)
		}
	}
}
