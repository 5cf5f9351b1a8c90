package models

import "fmt"

// Outcome classifies a state machine reply for the chat adapter.
type Outcome string

const (
	// OutcomeCheckEmail is returned for every begin that does not end in
	// "already verified" or a failure, including unknown and taken aliases.
	OutcomeCheckEmail      Outcome = "check_email"
	OutcomeAlreadyVerified Outcome = "already_verified"
	OutcomeVerified        Outcome = "verified"
	OutcomeInvalidCode     Outcome = "invalid_code"
	OutcomeFailed          Outcome = "failed"
)

// Reason is the internal cause behind a reply. It is logged, counted and
// asserted on in tests, and never serialized to the requester.
type Reason string

const (
	ReasonIssued          Reason = "issued"
	ReasonPendingExists   Reason = "pending_exists"
	ReasonAliasNotFound   Reason = "alias_not_found"
	ReasonAliasTaken      Reason = "alias_taken"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonAlreadyVerified Reason = "already_verified"
	ReasonConfirmed       Reason = "confirmed"
	ReasonCodeMismatch    Reason = "code_mismatch"
	ReasonConflict        Reason = "conflict"
	ReasonTransport       Reason = "transport"
	ReasonDelivery        Reason = "delivery"
	ReasonStore           Reason = "store"
)

// Reply is what begin and confirm return to the chat adapter.
type Reply struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message"`
	Reason  Reason  `json:"-"`
}

const (
	msgCheckEmail = "Please check your @%s email inbox for a verification code. " +
		"Once you receive it, press the \"enter verification code\" button and enter the verification code from the email.\n" +
		"Note that if you are already verified, you will not receive an email. Your verification code will expire in 15 minutes."
	msgAlreadyVerified = "You're already verified as %s. If this is a mistake, please contact an administrator."
	msgGenericFailure  = "Something went wrong with your command. Please contact an administrator."
	msgInvalidCode     = "Invalid/expired verification code."
	msgVerified        = "You've been verified!"

	MsgNotVerified = "This user is not verified."
	msgUnverified  = "User %s has been unverified."
)

// CheckEmail is deliberately identical for every begin path that does not
// reveal a confirmed mapping of the requester, so it cannot be used to probe
// which aliases exist or are taken.
func CheckEmail(domain string, reason Reason) Reply {
	return Reply{Outcome: OutcomeCheckEmail, Message: fmt.Sprintf(msgCheckEmail, domain), Reason: reason}
}

func AlreadyVerified(alias fmt.Stringer) Reply {
	return Reply{
		Outcome: OutcomeAlreadyVerified,
		Message: fmt.Sprintf(msgAlreadyVerified, alias),
		Reason:  ReasonAlreadyVerified,
	}
}

func Failed(reason Reason) Reply {
	return Reply{Outcome: OutcomeFailed, Message: msgGenericFailure, Reason: reason}
}

func InvalidCode(reason Reason) Reply {
	return Reply{Outcome: OutcomeInvalidCode, Message: msgInvalidCode, Reason: reason}
}

func Verified() Reply {
	return Reply{Outcome: OutcomeVerified, Message: msgVerified, Reason: ReasonConfirmed}
}

// UnverifiedMessage is the admin confirmation text after a removal.
func UnverifiedMessage(alias fmt.Stringer) string {
	return fmt.Sprintf(msgUnverified, alias)
}

// Removal is the result of an admin unverify.
type Removal struct {
	Mapping      ConfirmedMapping `json:"mapping"`
	Message      string           `json:"message"`
	Revoked      int              `json:"revoked"`
	RevokeFailed int              `json:"revoke_failed"`
}
