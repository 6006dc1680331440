package mailer

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"

	"github.com/emersion/go-smtp"
)

// DeliveryError is a send failure classified for the retry policy
type DeliveryError struct {
	// Temporary failures may succeed on retry
	Temporary bool
	// Bounce marks a permanent rejection of the recipient address
	Bounce  bool
	Code    int
	Message string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// categorizeError classifies an error returned during the given SMTP stage
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{
			Temporary: se.Code/100 == 4,
			Bounce:    isRecipientRejection(se.Code, se.EnhancedCode),
			Code:      se.Code,
			Message:   msg,
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &DeliveryError{Temporary: true, Message: msg}
	}

	// Some relays only surface the code in free text
	if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		code, _ := strconv.Atoi(m[1])
		return &DeliveryError{
			Temporary: code/100 == 4,
			Bounce:    isRecipientRejection(code, smtp.EnhancedCode{}),
			Code:      code,
			Message:   msg,
		}
	}

	return &DeliveryError{Temporary: true, Message: msg}
}

// isRecipientRejection reports a hard bounce: 550/551/553 or enhanced 5.1.x
func isRecipientRejection(code int, enhanced smtp.EnhancedCode) bool {
	if enhanced[0] == 5 && enhanced[1] == 1 {
		return true
	}
	switch code {
	case 550, 551, 553:
		return true
	}
	return false
}

// IsTemporary reports whether err may succeed on retry. Unknown errors are temporary.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// IsBounce reports whether err is a permanent recipient rejection
func IsBounce(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Bounce
}
