// Package errors provides structured error handling for the chat transport.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Protocol errors
	CodeUnknownType     Code = "UNKNOWN_TYPE"
	CodeInvalidFrame    Code = "INVALID_FRAME"
	CodeInvalidPayload  Code = "INVALID_PAYLOAD"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	CodeRateLimited     Code = "RATE_LIMITED"

	// Mode errors
	CodeOperationNotAllowed Code = "OPERATION_NOT_ALLOWED"

	// Session and admission errors
	CodePolicyViolation     Code = "POLICY_VIOLATION"
	CodeSessionExpired      Code = "SESSION_EXPIRED"
	CodeInvalidIdentity     Code = "INVALID_IDENTITY"
	CodeDuplicateConnection Code = "DUPLICATE_CONNECTION"

	// Delivery and collaborator errors
	CodeDeliveryFailed      Code = "DELIVERY_FAILED"
	CodeCollaboratorFailure Code = "COLLABORATOR_FAILURE"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	CodeInternal Code = "INTERNAL"
)

// Kind groups codes by how the transport must react to them.
type Kind int

const (
	// KindInternal is an unexpected server failure.
	KindInternal Kind = iota
	// KindPolicyViolation terminates the connection and is never retried.
	KindPolicyViolation
	// KindProtocol is answered with an error envelope; the connection stays open.
	KindProtocol
	// KindOperationNotAllowed is answered like a protocol error.
	KindOperationNotAllowed
	// KindDelivery is retried up to the configured bound, then the recipient is evicted.
	KindDelivery
	// KindCollaborator is surfaced as a system notification broadcast.
	KindCollaborator
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPolicyViolation:
		return "PolicyViolation"
	case KindProtocol:
		return "ProtocolError"
	case KindOperationNotAllowed:
		return "OperationNotAllowed"
	case KindDelivery:
		return "DeliveryFailure"
	case KindCollaborator:
		return "CollaboratorFailure"
	default:
		return "Internal"
	}
}

// Kind maps a code onto the error taxonomy.
func (c Code) Kind() Kind {
	switch c {
	case CodePolicyViolation,
		CodeSessionExpired,
		CodeInvalidIdentity:
		return KindPolicyViolation

	case CodeUnknownType,
		CodeInvalidFrame,
		CodeInvalidPayload,
		CodePayloadTooLarge,
		CodeRateLimited,
		CodeNotFound,
		CodeDuplicateConnection:
		return KindProtocol

	case CodeOperationNotAllowed:
		return KindOperationNotAllowed

	case CodeDeliveryFailed:
		return KindDelivery

	case CodeCollaboratorFailure:
		return KindCollaborator

	default:
		return KindInternal
	}
}
