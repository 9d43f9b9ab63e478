package correlate

import (
	"strings"
	"time"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

const messageSeparator = " | "

// Transaction is the state accumulated for one queue id. Every field holds
// the most recently observed non-empty value.
type Transaction struct {
	ID        string
	FirstSeen time.Time
	LastSeen  time.Time

	Sender    string
	Recipient string
	MessageID string
	Status    string
	Reason    string // deferral or bounce reason
	Subject   string

	Router    string
	Transport string
	Host      string
	IP        string
	Port      string
	Security  string
	Size      string
	Reply     string
}

func newTransaction(id string, seen time.Time) *Transaction {
	return &Transaction{ID: id, FirstSeen: seen, LastSeen: seen}
}

func (t *Transaction) merge(ev model.PartialLineEvent) {
	overwrite(&t.Sender, ev.Sender)
	overwrite(&t.Recipient, ev.Recipient)
	overwrite(&t.MessageID, ev.MessageID)
	overwrite(&t.Status, ev.Status)

	switch ev.Category {
	case model.CategoryDeferral:
		t.Status = model.StatusDeferred
		overwrite(&t.Reason, ev.Message)
	case model.CategoryBounce:
		t.Status = model.StatusBounced
		overwrite(&t.Reason, ev.Message)
	case model.CategoryWarning:
		overwrite(&t.Subject, ev.Message)
	}

	overwrite(&t.Router, ev.Metadata[model.MetaRouter])
	overwrite(&t.Transport, ev.Metadata[model.MetaTransport])
	overwrite(&t.Host, ev.Metadata[model.MetaHost])
	overwrite(&t.IP, ev.Metadata[model.MetaIP])
	overwrite(&t.Port, ev.Metadata[model.MetaPort])
	overwrite(&t.Security, ev.Metadata[model.MetaTLS])
	overwrite(&t.Size, ev.Metadata[model.MetaSize])
	overwrite(&t.Reply, ev.Metadata[model.MetaReply])

	if !ev.Timestamp.IsZero() {
		t.LastSeen = ev.Timestamp
	}
}

// Summary joins the non-empty enrichment fields into one delimited string.
func (t *Transaction) Summary() string {
	var parts []string
	add := func(prefix, value string) {
		if value != "" {
			parts = append(parts, prefix+value)
		}
	}

	add("", t.Reason)
	add("R=", t.Router)
	add("T=", t.Transport)
	add("H=", t.hostToken())
	add("X=", t.Security)
	add("S=", t.Size)
	if t.Reply != "" {
		parts = append(parts, `C="`+t.Reply+`"`)
	}
	if t.Subject != "" {
		parts = append(parts, `T="`+t.Subject+`"`)
	}
	return strings.Join(parts, messageSeparator)
}

func (t *Transaction) hostToken() string {
	var b strings.Builder
	b.WriteString(t.Host)
	if t.IP != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("[" + t.IP + "]")
		if t.Port != "" {
			b.WriteString(":" + t.Port)
		}
	}
	return b.String()
}

// Event converts the transaction into its shipped form.
func (t *Transaction) Event(serverName string) model.NormalizedEvent {
	return model.NormalizedEvent{
		ServerName: serverName,
		Kind:       model.KindMainLog,
		Timestamp:  t.FirstSeen,
		Sender:     t.Sender,
		Recipient:  t.Recipient,
		Status:     t.Status,
		Message:    t.Summary(),
		MessageID:  t.MessageID,
	}
}

func overwrite(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
