package booking

import (
	"context"
	"errors"
	"strings"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

// PaymentSetup is what an account supplies when it saves a payment method.
// Empty fields keep their stored value.
type PaymentSetup struct {
	PaymentCustomer string `json:"payment_customer,omitempty"`
	PaymentMethod   string `json:"payment_method,omitempty"`
}

func (s *Service) account(ctx context.Context, id string) (*models.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.Account{ID: id}, nil
	}
	return a, storeErr(err, "account")
}

// CreateSetupIntent starts collecting a payment method for accountID and
// returns the provider's client secret.
func (s *Service) CreateSetupIntent(ctx context.Context, accountID string) (string, error) {
	a, err := s.account(ctx, accountID)
	if err != nil {
		return "", err
	}
	return s.pay.CreateSetupIntent(ctx, a.PaymentCustomer)
}

// AttachPaymentMethod saves the provider customer and default payment method
// used for deposits and final charges.
func (s *Service) AttachPaymentMethod(ctx context.Context, accountID string, p PaymentSetup) (*models.Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "account id is required")
	}
	if p.PaymentCustomer == "" && p.PaymentMethod == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "payment_customer or payment_method is required")
	}
	a, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if p.PaymentCustomer != "" {
		a.PaymentCustomer = p.PaymentCustomer
	}
	if p.PaymentMethod != "" {
		a.PaymentMethodRef = p.PaymentMethod
	}
	if err := s.store.SaveAccount(ctx, a); err != nil {
		return nil, storeErr(err, "account")
	}
	return a, nil
}

// RegisterPushToken stores the device token push notifications go to. An
// empty token turns pushes off for the account.
func (s *Service) RegisterPushToken(ctx context.Context, accountID, token string) error {
	if strings.TrimSpace(accountID) == "" {
		return apperr.New(apperr.KindInvalidInput, "account id is required")
	}
	a, err := s.account(ctx, accountID)
	if err != nil {
		return err
	}
	a.PushToken = strings.TrimSpace(token)
	return storeErr(s.store.SaveAccount(ctx, a), "account")
}
