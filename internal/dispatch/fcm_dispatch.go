package dispatch

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Sender is the subset of the FCM messaging client used for pushes.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// NewFirebaseSender initializes an FCM messaging client from a service
// account credentials file.
func NewFirebaseSender(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	return app.Messaging(ctx)
}

// PushChannel sends notifications to the recipient's device token. A
// recipient without a token is skipped silently.
type PushChannel struct {
	Sender Sender
}

func NewPushChannel(s Sender) *PushChannel { return &PushChannel{Sender: s} }

func (p *PushChannel) Name() string { return "push" }

func (p *PushChannel) Deliver(ctx context.Context, d Delivery) error {
	if d.Recipient == nil || d.Recipient.PushToken == "" {
		return nil
	}
	title, body := message(d.Notification)
	msg := &messaging.Message{
		Token:        d.Recipient.PushToken,
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         flatten(d.Notification),
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10", "apns-push-type": "alert"},
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}},
		},
	}
	if _, err := p.Sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send to %s: %w", d.Recipient.ID, err)
	}
	return nil
}
