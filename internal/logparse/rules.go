package logparse

import (
	"regexp"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

// Every primary pattern starts with the MTA timestamp. An optional single
// token (pid or host tag) may sit between the timestamp and the queue id.
const (
	tsPrefix  = `^(?P<ts>\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\s+`
	qidPrefix = tsPrefix + `(?:\S+\s+)?(?P<qid>\S+)\s+`
)

// rule is one entry of the priority-ordered cascade. except, when set,
// hands lines it matches to a later rule.
type rule struct {
	category model.Category
	status   string
	pattern  *regexp.Regexp
	except   *regexp.Regexp
	build    func(m match, ev *model.PartialLineEvent)
}

var (
	inboundMessageID = regexp.MustCompile(`\bid=(\S+)`)
	inboundRecipient = regexp.MustCompile(`\bfor\s+(\S+)`)
	quotedText       = regexp.MustCompile(`"[^"]*"`)

	localDeliveryPattern = regexp.MustCompile(`(?i)` + qidPrefix + `=>\s+(?:[^<]*<)?(?P<recipient>[^>]+)>.*\bSaved\b`)

	// Fallback id for lines no rule claims. Queue ids always carry a digit,
	// which keeps words like "SMTP" out.
	looseQueueID = regexp.MustCompile(tsPrefix + `(?:\[\d+\]\s+)?(?P<qid>[A-Za-z0-9-]*\d[A-Za-z0-9-]*)\s`)

	bounceOrigin = regexp.MustCompile(`<=\s+<>\s`)
)

// mainLogRules is evaluated top to bottom; the first match wins.
var mainLogRules = []rule{
	{
		category: model.CategoryCompletion,
		pattern:  regexp.MustCompile(`(?i)` + qidPrefix + `Completed(?:\s+\S+=\S*)*\s*$`),
		build:    func(match, *model.PartialLineEvent) {},
	},
	{
		category: model.CategoryInbound,
		status:   model.StatusReceived,
		pattern:  regexp.MustCompile(`(?i)` + qidPrefix + `<=\s+(?P<sender>\S+)`),
		except:   regexp.MustCompile(`(?i)<=\s+<>\s.*\bT="[^"]*"\s+for\s`),
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Sender = m.get("sender")
			// Subjects are quoted and may contain "id=" or "for".
			rest := quotedText.ReplaceAllString(m.rest(), `""`)
			if sub := inboundMessageID.FindStringSubmatch(rest); sub != nil {
				ev.MessageID = sub[1]
			}
			if sub := inboundRecipient.FindStringSubmatch(rest); sub != nil {
				ev.Recipient = sub[1]
			}
		},
	},
	{
		category: model.CategoryOutbound,
		status:   model.StatusDelivered,
		pattern:  regexp.MustCompile(`(?i)` + qidPrefix + `[=-]>\s+(?P<recipient>\S+)`),
		except:   localDeliveryPattern,
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Recipient = m.get("recipient")
		},
	},
	{
		category: model.CategoryDeferral,
		status:   model.StatusDeferred,
		pattern:  regexp.MustCompile(`(?i)` + qidPrefix + `==\s+(?P<recipient>\S+)\s+.*?\bdefer.*?:\s*(?P<reason>.*)$`),
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Recipient = m.get("recipient")
			if reason := m.get("reason"); reason != "" {
				ev.Message = reason
			}
		},
	},
	{
		category: model.CategoryLocalDelivery,
		status:   model.StatusAccepted,
		pattern:  localDeliveryPattern,
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Recipient = m.get("recipient")
		},
	},
	{
		category: model.CategoryWarning,
		status:   model.StatusWarning,
		pattern:  regexp.MustCompile(`(?i)` + qidPrefix + `<=\s+<>.*?\bT="(?P<subject>[^"]*)"\s+for\s+(?P<recipient>\S+)`),
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Recipient = m.get("recipient")
			ev.Message = m.get("subject")
		},
	},
	{
		category: model.CategorySenderIdent,
		pattern:  regexp.MustCompile(`(?i)` + tsPrefix + `(?:\S+\s+)?Sender identification .*\bS=(?P<sender>\S+)$`),
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Sender = m.get("sender")
		},
	},
	{
		category: model.CategoryAuthFailure,
		status:   model.StatusFailed,
		pattern:  regexp.MustCompile(`(?i)` + tsPrefix + `.*dovecot_login authenticator failed.*\(set_id=(?P<user>[^)]+)\)`),
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Sender = m.get("user")
			ev.Message = "dovecot_login authenticator failed"
		},
	},
	{
		category: model.CategoryBounce,
		status:   model.StatusBounced,
		pattern:  regexp.MustCompile(`(?i)` + qidPrefix + `\*\*\s+(?P<recipient>[^\s:]+)(?:\s+.*?)?:\s*(?P<reason>.*)$`),
		build: func(m match, ev *model.PartialLineEvent) {
			ev.Recipient = m.get("recipient")
			if reason := m.get("reason"); reason != "" {
				ev.Message = reason
			}
		},
	},
}

var rejectLogRule = rule{
	category: model.CategoryRejected,
	status:   model.StatusRejected,
	pattern:  regexp.MustCompile(tsPrefix + `.*rejected.*<(?P<from>[^>]*)> -> (?P<recipient>\S+): (?P<error>.*)$`),
	build: func(m match, ev *model.PartialLineEvent) {
		ev.Sender = m.get("from")
		ev.Recipient = m.get("recipient")
		ev.Message = m.get("error")
	},
}

var panicLogRule = rule{
	category: model.CategoryFault,
	status:   model.StatusPanic,
	pattern:  regexp.MustCompile(`^(?P<ts>\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`),
	build:    func(match, *model.PartialLineEvent) {},
}

// match gives named access to a rule's submatches.
type match struct {
	re     *regexp.Regexp
	line   string
	groups []int
}

func (m match) get(name string) string {
	i := m.re.SubexpIndex(name)
	if i < 0 || 2*i+1 >= len(m.groups) || m.groups[2*i] < 0 {
		return ""
	}
	return m.line[m.groups[2*i]:m.groups[2*i+1]]
}

// rest returns the text after the whole match.
func (m match) rest() string {
	return m.line[m.groups[1]:]
}

func (r rule) apply(line string) (match, bool) {
	loc := r.pattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return match{}, false
	}
	if r.except != nil && r.except.MatchString(line) {
		return match{}, false
	}
	return match{re: r.pattern, line: line, groups: loc}, true
}
