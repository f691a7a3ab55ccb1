package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notifier delivers a text back to the buyer on their original channel.
// Delivery failure is logged and bounded-retried, never retried forever;
// a lost message is user-recoverable by re-asking.
type Notifier interface {
	Send(ctx context.Context, tenantID, conversationID, text string) error
}

// TwilioNotifier sends WhatsApp messages via Twilio.
type TwilioNotifier struct {
	client     *twilio.RestClient
	from       string
	maxRetries int
}

// NewTwilioNotifier creates a notifier. from is the WhatsApp sender in
// "whatsapp:+14155238886" format.
func NewTwilioNotifier(accountSID, authToken, from string) (*TwilioNotifier, error) {
	if accountSID == "" || authToken == "" || from == "" {
		return nil, fmt.Errorf("missing Twilio credentials")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioNotifier{
		client:     client,
		from:       from,
		maxRetries: 2,
	}, nil
}

// Send delivers one WhatsApp message, retrying a failed send at most
// maxRetries times.
func (t *TwilioNotifier) Send(ctx context.Context, tenantID, conversationID, text string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(fmt.Sprintf("whatsapp:%s", conversationID))
	params.SetBody(text)

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		resp, err := t.client.Api.CreateMessage(params)
		if err == nil {
			log.Printf("message sent to %s (tenant %s) SID=%s", conversationID, tenantID, *resp.Sid)
			return nil
		}
		lastErr = err
		log.Printf("send attempt %d to %s failed: %v", attempt+1, conversationID, err)
	}
	return fmt.Errorf("send to %s failed after %d attempts: %w", conversationID, t.maxRetries+1, lastErr)
}

// LogNotifier writes messages to the process log instead of a channel.
// Used in development when Twilio is not configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, tenantID, conversationID, text string) error {
	log.Printf("[notify tenant=%s to=%s] %s", tenantID, conversationID, text)
	return nil
}
