package gateway

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// EventMessagesUpsert is the Evolution event carrying new chat messages.
const EventMessagesUpsert = "messages.upsert"

// directSuffix marks one-to-one WhatsApp chats. Groups (@g.us), broadcast
// lists and newsletters use other suffixes and are ignored.
const directSuffix = "@s.whatsapp.net"

var (
	ErrMalformedEvent = errors.New("gateway: malformed event")
	errIgnored        = errors.New("gateway: event ignored")
)

// Event is an inbound text message from a direct chat.
type Event struct {
	FromSelf  bool   // sent from the instance's own phone
	Identity  string // caller phone number without the JID suffix
	Body      string
	MessageID string
	PushName  string
}

// ParseUpsert extracts an Event from a messages.upsert payload. The payload
// may be the full envelope ({"event":...,"data":{...}}) or just its data
// object. ok is false for events that should be skipped: other event types,
// non-direct chats and messages without text.
func ParseUpsert(payload []byte) (Event, bool, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, false, ErrMalformedEvent
	}
	root := gjson.ParseBytes(payload)

	if name := root.Get("event"); name.Exists() && normalizeEvent(name.String()) != EventMessagesUpsert {
		return Event{}, false, nil
	}
	data := root
	if d := root.Get("data"); d.Exists() {
		data = d
	}
	// Some Evolution versions deliver a batch; the first message is the new one.
	if data.IsArray() {
		data = data.Get("0")
	}

	ev, err := eventFromData(data)
	if errors.Is(err, errIgnored) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func eventFromData(data gjson.Result) (Event, error) {
	jid := data.Get("key.remoteJid").String()
	if jid == "" {
		return Event{}, ErrMalformedEvent
	}
	if !strings.HasSuffix(jid, directSuffix) {
		return Event{}, errIgnored
	}

	body := data.Get("message.conversation").String()
	if body == "" {
		body = data.Get("message.extendedTextMessage.text").String()
	}
	if body == "" {
		return Event{}, errIgnored
	}

	return Event{
		FromSelf:  data.Get("key.fromMe").Bool(),
		Identity:  strings.TrimSuffix(jid, directSuffix),
		Body:      body,
		MessageID: data.Get("key.id").String(),
		PushName:  data.Get("pushName").String(),
	}, nil
}

// normalizeEvent accepts both "messages.upsert" and the MESSAGES_UPSERT form
// used in webhook configuration.
func normalizeEvent(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", ".")
}
