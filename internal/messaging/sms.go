package messaging

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
}

// MessageCreator is the part of the Twilio REST API used for SMS.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSSender delivers messages through Twilio.
type SMSSender struct {
	from string
	api  MessageCreator
}

func NewSMSSender(cfg SMSConfig) *SMSSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewSMSSenderWithAPI(cfg.From, client.Api)
}

func NewSMSSenderWithAPI(from string, api MessageCreator) *SMSSender {
	return &SMSSender{from: from, api: api}
}

func (s *SMSSender) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To.Phone == "" {
		return "", ErrMissingAddress
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To.Phone)
	params.SetFrom(s.from)
	params.SetBody(msg.Subject + "\n" + msg.Body)

	type result struct {
		resp *twilioApi.ApiV2010Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.api.CreateMessage(params)
		done <- result{resp, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return "", fmt.Errorf("send sms: %w", res.err)
	}
	if res.resp == nil || res.resp.Sid == nil {
		return "", fmt.Errorf("send sms: response without sid")
	}
	return *res.resp.Sid, nil
}
