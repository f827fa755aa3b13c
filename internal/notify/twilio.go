package notify

import (
	"context"
	"errors"
	"fmt"

	"bookingd/internal/model"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageCreator is satisfied by the Api service of *twilio.RestClient.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioConfig holds account credentials and sender numbers.
type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	WhatsAppNumber string
}

// NewTwilioClient builds the REST client shared by the SMS and WhatsApp channels.
func NewTwilioClient(cfg TwilioConfig) MessageCreator {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return client.Api
}

// Twilio sends SMS, or WhatsApp messages when whatsapp is set.
type Twilio struct {
	api      MessageCreator
	from     string
	whatsapp bool
}

func NewTwilioSMS(api MessageCreator, from string) *Twilio {
	return &Twilio{api: api, from: from}
}

func NewTwilioWhatsApp(api MessageCreator, from string) *Twilio {
	return &Twilio{api: api, from: from, whatsapp: true}
}

func (t *Twilio) Name() string {
	if t.whatsapp {
		return "whatsapp"
	}
	return "sms"
}

func (t *Twilio) Target(c model.Customer) string {
	return normalizePhone(c.Phone)
}

func (t *Twilio) Send(_ context.Context, target string, msg Message) error {
	to, from := target, t.from
	if t.whatsapp {
		to, from = "whatsapp:"+to, "whatsapp:"+from
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(msg.Body)

	if _, err := t.api.CreateMessage(params); err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) {
			return classifyStatus(restErr.Status, fmt.Errorf("twilio %d: %s", restErr.Code, restErr.Message))
		}
		return model.Transient(fmt.Errorf("twilio: %w", err))
	}
	return nil
}
