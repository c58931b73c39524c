package billing

import "errors"

var (
	ErrPlanNotFound             = errors.New("billing: plan not found")
	ErrInvalidPlanConfiguration = errors.New("billing: invalid plan configuration")
	ErrInvalidUserID            = errors.New("billing: invalid user ID")

	ErrUserNotFound              = errors.New("billing: user not found")
	ErrSubscriptionNotFound      = errors.New("billing: subscription not found")
	ErrSubscriptionNotResumable  = errors.New("billing: subscription is not resumable")
	ErrSubscriptionAlreadyExists = errors.New("billing: subscription already exists")
	ErrReferralUseNotFound       = errors.New("billing: referral use not found")

	ErrProviderError            = errors.New("billing: payment provider error")
	ErrSignatureVerification    = errors.New("billing: webhook signature verification failed")
	ErrMalformedPayload         = errors.New("billing: malformed webhook payload")
	ErrMissingAPIKey            = errors.New("billing: provider API key is required")
	ErrMissingWebhookSecret     = errors.New("billing: provider webhook secret is required")
	ErrInvalidProviderEnv       = errors.New("billing: invalid provider environment")
	ErrNoCheckoutURL            = errors.New("billing: no checkout URL returned from provider")
	ErrMissingProviderSubID     = errors.New("billing: provider subscription ID not available")
	ErrMissingProviderCustomer  = errors.New("billing: provider customer ID not available")
	ErrUnsupportedProviderEvent = errors.New("billing: unsupported provider event")
)
