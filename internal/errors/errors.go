package errors

import "fmt"

// validation
var (
	ErrInvalidCode           = fmt.Errorf("invalid referral code format")
	ErrInvalidAmount         = fmt.Errorf("amount must be positive")
	ErrMissingPaymentDetails = fmt.Errorf("payment details are required")
	ErrInvalidInput          = fmt.Errorf("invalid input")
)

// not found
var (
	ErrCodeNotFound         = fmt.Errorf("referral code not found")
	ErrPartnerNotFound      = fmt.Errorf("partner not found")
	ErrRequestNotFound      = fmt.Errorf("withdrawal request not found")
	ErrNotificationNotFound = fmt.Errorf("notification not found")
)

// state conflicts
var (
	ErrPartnerInactive         = fmt.Errorf("partner is inactive")
	ErrDuplicatePendingRequest = fmt.Errorf("partner already has a pending withdrawal request")
	ErrInsufficientBalance     = fmt.Errorf("insufficient balance")
	ErrInvalidTransition       = fmt.Errorf("withdrawal request is not in a state that allows this action")
	ErrEmailTaken              = fmt.Errorf("email is already registered")
)

// auth
var (
	ErrInvalidCredentials = fmt.Errorf("invalid email or password")
	ErrUnauthorized       = fmt.Errorf("unauthorized")
)

var ErrCodeGenerationExhausted = fmt.Errorf("could not generate a unique referral code")
