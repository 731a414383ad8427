package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// Error codes
var (
	// Unknown error code
	ErrUnknown = 1
	// HTTP method not allowed
	ErrMethodNotAllowed = 2
	// Error occured while reading the http request body
	ErrReadingReqBody = 3
	// The http request body is empty
	ErrEmptyReqBody = 4
	// The http request body could not be parsed
	ErrBadReqBody = 5
	// No authorization header was found in the request
	ErrNoUserPass = 20
	// Authentication failure
	ErrAuthFailure = 21
	// Error connecting to database
	ErrConnectingDB = 51
	// Error occured when making a Get request to database
	ErrDBGet = 63
	// Error occured when inserting a record into database
	ErrDBInsert = 64
	// Error occured when updating a record in database
	ErrDBUpdate = 65
	// Error occured when deleting a record from database
	ErrDBDelete = 66
	// The referenced certificate request was not found
	ErrRequestNotFound = 70
	// The referenced certificate was not found
	ErrCertificateNotFound = 71
	// The referenced user was not found
	ErrUserNotFound = 72
	// A CA certificate reference is required but was not supplied
	ErrMissingCACert = 73
	// A patch carried no recognized field changes
	ErrNoFieldUpdated = 74
	// The CSR content could not be parsed
	ErrBadCSR = 75
	// The request has already been handled
	ErrRequestHandled = 76
	// The referenced issuer cannot issue certificates
	ErrBadIssuer = 77
	// The referenced issuer has been revoked
	ErrRevokedIssuer = 78
	// No private key material is available for the operation
	ErrMissingKey = 79
	// A required password was not supplied
	ErrMissingPassword = 80
	// The signing operation failed
	ErrSigning = 81
)

// CreateHTTPErr constructs a new HTTP error.
func CreateHTTPErr(scode, code int, format string, args ...interface{}) *HTTPErr {
	msg := fmt.Sprintf(format, args...)
	return &HTTPErr{
		scode: scode,
		lcode: code,
		lmsg:  msg,
		rcode: code,
		rmsg:  msg,
	}
}

// NewHTTPErr constructs a new HTTP error wrappered with pkg/errors error.
func NewHTTPErr(scode, code int, format string, args ...interface{}) error {
	return errors.Wrap(CreateHTTPErr(scode, code, format, args...), "")
}

// NewAuthenticationErr constructs an HTTP error specific to authentication failures
func NewAuthenticationErr(code int, format string, args ...interface{}) error {
	he := CreateHTTPErr(401, code, format, args...)
	he.Remote(ErrAuthFailure, "Authentication failure")
	return errors.Wrap(he, "")
}

// HTTPErr is an HTTP error.
type HTTPErr struct {
	scode int    // HTTP status code.
	lcode int    // local error code.
	lmsg  string // local error message.
	rcode int    // remote error code.
	rmsg  string // remote error message.
}

// Error returns the string representation
func (he *HTTPErr) Error() string {
	return he.String()
}

// String returns a string representation of this augmented error
func (he *HTTPErr) String() string {
	if he.lcode == he.rcode && he.lmsg == he.rmsg {
		return fmt.Sprintf("scode: %d, code: %d, msg: %s", he.scode, he.lcode, he.lmsg)
	}
	return fmt.Sprintf("scode: %d, local code: %d, local msg: %s, remote code: %d, remote msg: %s",
		he.scode, he.lcode, he.lmsg, he.rcode, he.rmsg)
}

// Remote sets the remote code and message to something different from that of the local code and message
func (he *HTTPErr) Remote(code int, format string, args ...interface{}) *HTTPErr {
	he.rcode = code
	he.rmsg = fmt.Sprintf(format, args...)
	return he
}

// GetStatusCode returns the HTTP status code
func (he *HTTPErr) GetStatusCode() int {
	return he.scode
}

// GetLocalCode returns the local error code
func (he *HTTPErr) GetLocalCode() int {
	return he.lcode
}

// GetLocalMsg returns the local error message
func (he *HTTPErr) GetLocalMsg() string {
	return he.lmsg
}

// GetRemoteCode returns the remote error code
func (he *HTTPErr) GetRemoteCode() int {
	return he.rcode
}

// GetRemoteMsg returns the remote error message
func (he *HTTPErr) GetRemoteMsg() string {
	return he.rmsg
}

// ServerErr contains error message with corresponding CA error code
type ServerErr struct {
	code int
	msg  string
}

// FatalErr is a server error that is will prevent the server/CA from continuing to operate
type FatalErr struct {
	ServerErr
}

// NewServerError constructs a server error
func NewServerError(code int, format string, args ...interface{}) *ServerErr {
	msg := fmt.Sprintf(format, args...)
	return &ServerErr{
		code: code,
		msg:  msg,
	}
}

// NewFatalError constructs a fatal error
func NewFatalError(code int, format string, args ...interface{}) *FatalErr {
	msg := fmt.Sprintf(format, args...)
	return &FatalErr{
		ServerErr{
			code: code,
			msg:  msg,
		},
	}
}

func (fe *FatalErr) Error() string {
	return fe.String()
}

func (fe *FatalErr) String() string {
	return fmt.Sprintf("Code: %d - %s", fe.code, fe.msg)
}

// IsFatalError return true if the error is of type 'FatalErr'
func IsFatalError(err error) bool {
	causeErr := errors.Cause(err)
	typ := reflect.TypeOf(causeErr)

	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	if typ == reflect.TypeOf(FatalErr{}) {
		return true
	}

	return false
}
