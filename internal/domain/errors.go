package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category groups error codes by how the relay reacts to them.
type Category int

const (
	// CategoryAuthentication rejects the connection; no session is created.
	CategoryAuthentication Category = iota + 1
	// CategoryProtocol is reported to the sender; the connection stays open.
	CategoryProtocol
	// CategoryNotFound covers deleted accounts and missing groups.
	CategoryNotFound
	// CategoryConsistency covers group key state that does not allow the operation.
	CategoryConsistency
	// CategoryInfrastructure covers store timeouts and outages.
	CategoryInfrastructure
)

func (c Category) String() string {
	switch c {
	case CategoryAuthentication:
		return "authentication"
	case CategoryProtocol:
		return "protocol"
	case CategoryNotFound:
		return "not_found"
	case CategoryConsistency:
		return "consistency"
	case CategoryInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// ErrorCode is the numeric code carried by `error` events and HTTP error bodies.
type ErrorCode int

const (
	CodeUserNotFound ErrorCode = iota + 1
	CodeAuthentication
	CodeGroupNotFound
	CodeGroupKeyNull
	CodeInvalidChatType
	CodeMalformedPayload
	CodeNotAMember
	CodeIncompleteAcknowledgement
	CodeKeyConflict
	CodeStoreUnavailable
	CodeGroupFull
	CodeConflict
	CodeInvalidPublicKey
	CodeMessageNotFound
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUserNotFound:
		return "USER_NOT_FOUND"
	case CodeAuthentication:
		return "AUTHENTICATION_ERROR"
	case CodeGroupNotFound:
		return "GROUP_NOT_FOUND"
	case CodeGroupKeyNull:
		return "GROUP_PUBLIC_KEY_NULL"
	case CodeInvalidChatType:
		return "INVALID_CHAT_TYPE"
	case CodeMalformedPayload:
		return "MALFORMED_PAYLOAD"
	case CodeNotAMember:
		return "NOT_A_MEMBER"
	case CodeIncompleteAcknowledgement:
		return "INCOMPLETE_ACKNOWLEDGEMENT"
	case CodeKeyConflict:
		return "KEY_CONFLICT"
	case CodeStoreUnavailable:
		return "STORE_UNAVAILABLE"
	case CodeGroupFull:
		return "GROUP_FULL"
	case CodeConflict:
		return "CONFLICT"
	case CodeInvalidPublicKey:
		return "INVALID_PUBLIC_KEY"
	case CodeMessageNotFound:
		return "MESSAGE_NOT_FOUND"
	default:
		return fmt.Sprintf("ERROR_%d", int(c))
	}
}

// Category maps every code onto exactly one category.
func (c ErrorCode) Category() Category {
	switch c {
	case CodeAuthentication:
		return CategoryAuthentication
	case CodeInvalidChatType, CodeMalformedPayload, CodeNotAMember, CodeInvalidPublicKey:
		return CategoryProtocol
	case CodeUserNotFound, CodeGroupNotFound, CodeMessageNotFound:
		return CategoryNotFound
	case CodeGroupKeyNull, CodeIncompleteAcknowledgement, CodeKeyConflict, CodeGroupFull, CodeConflict:
		return CategoryConsistency
	default:
		return CategoryInfrastructure
	}
}

// Error is the relay's error value. Two errors match under errors.Is when
// their codes are equal, so sentinels below can be compared against
// errors that carry extra detail.
type Error struct {
	Code    ErrorCode
	Message string
	// Missing lists members that have not acknowledged a group key.
	Missing []string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if len(e.Missing) > 0 {
		msg = fmt.Sprintf("%s (missing: %s)", msg, strings.Join(e.Missing, ", "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Category returns the category implied by the error code.
func (e *Error) Category() Category { return e.Code.Category() }

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrUserNotFound     = NewError(CodeUserNotFound, "user not found")
	ErrAuthentication   = NewError(CodeAuthentication, "signature verification failed")
	ErrGroupNotFound    = NewError(CodeGroupNotFound, "group not found")
	ErrGroupKeyNull     = NewError(CodeGroupKeyNull, "group key has not been committed")
	ErrInvalidChatType  = NewError(CodeInvalidChatType, "invalid chat type")
	ErrMalformedPayload = NewError(CodeMalformedPayload, "malformed payload")
	ErrNotAMember       = NewError(CodeNotAMember, "not a member of this group")
	ErrIncompleteAck    = NewError(CodeIncompleteAcknowledgement, "not all members have received the group key")
	ErrKeyConflict      = NewError(CodeKeyConflict, "group membership changed during key commit")
	ErrStoreUnavailable = NewError(CodeStoreUnavailable, "store unavailable")
	ErrGroupFull        = NewError(CodeGroupFull, "group has reached its member limit")
	ErrConflict         = NewError(CodeConflict, "already exists")
	ErrInvalidPublicKey = NewError(CodeInvalidPublicKey, "public key is not an RSA PEM key")
	ErrMessageNotFound  = NewError(CodeMessageNotFound, "message not found")
)

// IncompleteAcknowledgement reports the members that still have to acknowledge.
func IncompleteAcknowledgement(missing []string) *Error {
	return &Error{
		Code:    CodeIncompleteAcknowledgement,
		Message: ErrIncompleteAck.Message,
		Missing: append([]string(nil), missing...),
	}
}

// Infrastructure wraps a store failure.
func Infrastructure(op string, cause error) *Error {
	return WrapError(CodeStoreUnavailable, op, cause)
}

// AsError extracts the relay error from err. Errors that do not carry a code
// are reported as infrastructure failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(CodeStoreUnavailable, "internal error", err)
}
