package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/logger"
)

var (
	ErrChannelUnavailable = errors.New("messaging channel unavailable")
	ErrMissingAddress     = errors.New("recipient has no address for channel")
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type Recipient struct {
	Name  string
	Email string
	Phone string
}

type Attachment struct {
	Name string
	Path string
}

// Message is what a channel sender delivers.
type Message struct {
	To          Recipient
	Subject     string
	Body        string
	Attachments []Attachment
}

type Receipt struct {
	MessageID string
	Channel   Channel
}

// Sender delivers a rendered message over one channel and returns the
// provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Router picks the sender for a channel.
type Router struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
	log     *zap.SugaredLogger
}

func NewRouter() *Router {
	return &Router{
		senders: make(map[Channel]Sender),
		log:     logger.For(logger.ComponentMessaging),
	}
}

func (r *Router) Register(ch Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
}

func (r *Router) Available(ch Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[ch]
	return ok
}

// Send renders templateType with data and delivers it on ch.
func (r *Router) Send(ctx context.Context, ch Channel, templateType string, to Recipient, data map[string]any) (Receipt, error) {
	r.mu.RLock()
	sender, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return Receipt{}, goerr.Wrap(ErrChannelUnavailable, "send message", goerr.V("channel", ch))
	}

	msg := Render(templateType, data)
	msg.To = to

	id, err := sender.Send(ctx, msg)
	if err != nil {
		r.log.Warnw("message delivery failed", "channel", ch, "template", templateType, logger.Err(err))
		return Receipt{}, goerr.Wrap(err, "send message", goerr.V("channel", ch), goerr.V("template", templateType))
	}

	r.log.Infow("message sent", "channel", ch, "template", templateType, "message_id", id)
	return Receipt{MessageID: id, Channel: ch}, nil
}

var subjects = map[string]string{
	"appointment_confirmation": "Please confirm your appointment",
	"appointment_reminder":     "Appointment reminder",
	"consent_request":          "Consent form to sign before your appointment",
	"quote_ready":              "Your quote is ready",
}

// Render builds a plain message without templating: the subject comes from a
// fixed table and the body lists data as sorted key=value lines. A string
// "attachment_path" entry becomes an attachment.
func Render(templateType string, data map[string]any) Message {
	subject, ok := subjects[templateType]
	if !ok {
		subject = strings.ReplaceAll(templateType, "_", " ")
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "attachment_path" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(templateType)
	b.WriteString("\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, data[k])
	}

	msg := Message{Subject: subject, Body: b.String()}
	if path, ok := data["attachment_path"].(string); ok && path != "" {
		name := path
		if i := strings.LastIndexAny(path, `/\`); i >= 0 {
			name = path[i+1:]
		}
		msg.Attachments = append(msg.Attachments, Attachment{Name: name, Path: path})
	}
	return msg
}
