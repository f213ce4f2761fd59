// Package ldap implements the subset of the LDAP wire protocol the
// server speaks: BER message framing, the request operations, and the
// matching responses.
package ldap

import (
	"errors"
	"fmt"
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/veld-ldap/veld/pkg/directory"
)

// Application tags for the protocol operations (RFC 4511 section 4.2+).
const (
	TagBindRequest       = 0
	TagBindResponse      = 1
	TagUnbindRequest     = 2
	TagSearchRequest     = 3
	TagSearchResultEntry = 4
	TagSearchResultDone  = 5
	TagModifyRequest     = 6
	TagModifyResponse    = 7
	TagAddRequest        = 8
	TagAddResponse       = 9
	TagDelRequest        = 10
	TagDelResponse       = 11
)

// ResultCode is an LDAP resultCode value.
type ResultCode int64

const (
	ResultSuccess              ResultCode = 0
	ResultProtocolError        ResultCode = 2
	ResultSizeLimitExceeded    ResultCode = 4
	ResultNoSuchObject         ResultCode = 32
	ResultInvalidDNSyntax      ResultCode = 34
	ResultInvalidCredentials   ResultCode = 49
	ResultBusy                 ResultCode = 51
	ResultUnavailable          ResultCode = 52
	ResultUnwillingToPerform   ResultCode = 53
	ResultObjectClassViolation ResultCode = 65
	ResultNotAllowedOnNonLeaf  ResultCode = 66
	ResultEntryAlreadyExists   ResultCode = 68
	ResultOther                ResultCode = 80
)

// Message is one decoded LDAPMessage envelope. Op is the protocol
// operation packet; controls, if present, are ignored.
type Message struct {
	ID int64
	Op *ber.Packet
}

// Tag returns the application tag of the protocol operation.
func (m *Message) Tag() ber.Tag {
	return m.Op.Tag
}

// ReadMessage reads and decodes one LDAPMessage from the stream.
// io.EOF passes through untouched so callers can detect a clean hangup.
func ReadMessage(r io.Reader) (*Message, error) {
	p, err := ber.ReadPacket(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading message: %w", err)
	}
	if p.ClassType != ber.ClassUniversal || p.Tag != ber.TagSequence || len(p.Children) < 2 {
		return nil, fmt.Errorf("message is not an LDAPMessage sequence")
	}
	id, ok := p.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("messageID is not an integer")
	}
	op := p.Children[1]
	if op.ClassType != ber.ClassApplication {
		return nil, fmt.Errorf("protocolOp has class %d, want application", op.ClassType)
	}
	return &Message{ID: id, Op: op}, nil
}

// ResultCodeForError maps a store error onto the closest LDAP result
// code. Unknown errors map to Other.
func ResultCodeForError(err error) ResultCode {
	code, ok := directory.CodeOf(err)
	if !ok {
		return ResultOther
	}
	switch code {
	case directory.ErrNotFound:
		return ResultNoSuchObject
	case directory.ErrInvalidDN:
		return ResultInvalidDNSyntax
	case directory.ErrAlreadyExists:
		return ResultEntryAlreadyExists
	case directory.ErrNotLeaf:
		return ResultNotAllowedOnNonLeaf
	case directory.ErrReadOnly, directory.ErrNoSuchSource, directory.ErrInvalidArgument, directory.ErrMergeConflict:
		return ResultUnwillingToPerform
	case directory.ErrValidation:
		return ResultObjectClassViolation
	case directory.ErrLockTimeout:
		return ResultBusy
	case directory.ErrWriteFailed, directory.ErrIO, directory.ErrParse:
		return ResultUnavailable
	default:
		return ResultOther
	}
}
