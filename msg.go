package netconf

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	// BaseNamespace is the NETCONF base 1.0 XML namespace used by every
	// protocol element.
	BaseNamespace = "urn:ietf:params:xml:ns:netconf:base:1.0"
)

// HelloMsg maps the xml value of the <hello> message in RFC6241.  Client
// hellos omit the session-id; server hellos must carry one.
type HelloMsg struct {
	XMLName      xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 hello"`
	SessionID    uint64   `xml:"session-id,omitempty"`
	Capabilities []string `xml:"capabilities>capability"`
}

// RPC maps the xml value of <rpc> in RFC6241.
type RPC struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 rpc"`

	// Managed by the session.  Will be overwritten when sent on the wire.
	MessageID string `xml:"message-id,attr"`

	// User-defined attributes (e.g. xmlns:ex="...").  Per RFC6241 sec 7.3,
	// these must be preserved and reflected in the associated <rpc-reply>.
	Attributes []xml.Attr `xml:",any,attr"`

	// The inner XML of the RPC message (e.g. <get-config>, <edit-config>)
	Operation any `xml:",innerxml"`
}

// MarshalXML writes the <rpc> envelope.  Raw payloads (string, []byte,
// RawXML) are written verbatim as the body; anything else is marshaled under
// its own element name.
func (r *RPC) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{
		Name: xml.Name{Space: BaseNamespace, Local: "rpc"},
		Attr: append([]xml.Attr{
			{Name: xml.Name{Local: "message-id"}, Value: r.MessageID},
		}, r.Attributes...),
	}

	type inner struct {
		Data []byte `xml:",innerxml"`
	}

	switch v := r.Operation.(type) {
	case string:
		return e.EncodeElement(inner{Data: []byte(v)}, start)
	case []byte:
		return e.EncodeElement(inner{Data: v}, start)
	case RawXML:
		return e.EncodeElement(inner{Data: []byte(v)}, start)
	default:
		if err := e.EncodeToken(start); err != nil {
			return err
		}
		if r.Operation != nil {
			if err := e.Encode(r.Operation); err != nil {
				return err
			}
		}
		return e.EncodeToken(start.End())
	}
}

// RPCReply is the parsed form of an <rpc-reply> document.  OK and Errors
// reflect children directly under <rpc-reply>; Juniper load-configuration
// replies additionally carry a LoadResults element that holds its own ok
// marker and error list.
type RPCReply struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 rpc-reply"`

	// The message-id must match that of the associated <rpc>
	MessageID string `xml:"message-id,attr"`

	// Additional attributes on the <rpc-reply>.
	Attributes []xml.Attr `xml:",any,attr"`

	OK          ExtantBool         `xml:"ok"`
	Errors      RPCErrors          `xml:"rpc-error,omitempty"`
	LoadResults *LoadConfigResults `xml:"load-configuration-results,omitempty"`

	raw []byte
}

// Doc returns the XML document the reply was parsed from, verbatim.  Replies
// built from fields (test fixtures, round-tripping) synthesize a document
// instead.
func (r *RPCReply) Doc() []byte {
	if r.raw != nil {
		return r.raw
	}
	out, err := xml.Marshal(r)
	if err != nil {
		// all RPCReply fields are marshalable; this is unreachable short of
		// a corrupted Attributes entry
		return nil
	}
	return out
}

// Equal reports whether two replies serialize to the same XML document.
// Structural DOM comparison is deliberately not attempted.
func (r *RPCReply) Equal(o *RPCReply) bool {
	if r == nil || o == nil {
		return r == o
	}
	return bytes.Equal(r.Doc(), o.Doc())
}

// AllErrors returns the reply's rpc-errors including those nested inside
// load-configuration-results.
func (r *RPCReply) AllErrors() RPCErrors {
	if r.LoadResults == nil {
		return r.Errors
	}
	errs := make(RPCErrors, 0, len(r.Errors)+len(r.LoadResults.Errors))
	errs = append(errs, r.Errors...)
	errs = append(errs, r.LoadResults.Errors...)
	return errs
}

// LoadConfigResults is the Juniper envelope returned by <load-configuration>.
// Unlike a plain rpc-reply it may carry both <ok/> and rpc-errors (warnings)
// at the same time.
type LoadConfigResults struct {
	XMLName xml.Name   `xml:"load-configuration-results"`
	Action  string     `xml:"action,attr,omitempty"`
	OK      ExtantBool `xml:"ok"`
	Errors  RPCErrors  `xml:"rpc-error,omitempty"`
}

type ErrSeverity string

const (
	SevError   ErrSeverity = "error"
	SevWarning ErrSeverity = "warning"
)

type ErrType string

const (
	ErrTypeTransport ErrType = "transport"
	ErrTypeRPC       ErrType = "rpc"
	ErrTypeProtocol  ErrType = "protocol"
	ErrTypeApp       ErrType = "application"
)

type ErrTag string

const (
	ErrInUse                 ErrTag = "in-use"
	ErrInvalidValue          ErrTag = "invalid-value"
	ErrTooBig                ErrTag = "too-big"
	ErrMissingAttribute      ErrTag = "missing-attribute"
	ErrBadAttribute          ErrTag = "bad-attribute"
	ErrUnknownAttribute      ErrTag = "unknown-attribute"
	ErrMissingElement        ErrTag = "missing-element"
	ErrBadElement            ErrTag = "bad-element"
	ErrUnknownElement        ErrTag = "unknown-element"
	ErrUnknownNamespace      ErrTag = "unknown-namespace"
	ErrAccessDenied          ErrTag = "access-denied"
	ErrLockDenied            ErrTag = "lock-denied"
	ErrResourceDenied        ErrTag = "resource-denied"
	ErrRollbackFailed        ErrTag = "rollback-failed"
	ErrDataExists            ErrTag = "data-exists"
	ErrDataMissing           ErrTag = "data-missing"
	ErrOperationNotSupported ErrTag = "operation-not-supported"
	ErrOperationFailed       ErrTag = "operation-failed"
	ErrPartialOperation      ErrTag = "partial-operation"
	ErrMalformedMessage      ErrTag = "malformed-message"
)

// ErrMessage is the human readable text of an rpc-error along with its
// optional xml:lang language tag.
type ErrMessage struct {
	Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Text string `xml:",chardata"`
}

// ErrorInfo holds the optional protocol-defined children of <error-info>
// (RFC6241 Appendix A).  Any that the server omits stay empty.
type ErrorInfo struct {
	BadAttribute string `xml:"bad-attribute,omitempty"`
	BadElement   string `xml:"bad-element,omitempty"`
	BadNamespace string `xml:"bad-namespace,omitempty"`
	SessionID    string `xml:"session-id,omitempty"`
	OKElement    string `xml:"ok-element,omitempty"`
	ErrElement   string `xml:"err-element,omitempty"`
	NoOpElement  string `xml:"noop-element,omitempty"`
}

type RPCError struct {
	Type     ErrType     `xml:"error-type"`
	Tag      ErrTag      `xml:"error-tag"`
	Severity ErrSeverity `xml:"error-severity"`
	AppTag   string      `xml:"error-app-tag,omitempty"`
	Path     string      `xml:"error-path,omitempty"`
	Message  ErrMessage  `xml:"error-message,omitempty"`
	Info     *ErrorInfo  `xml:"error-info,omitempty"`
}

func (e RPCError) Error() string {
	return fmt.Sprintf("netconf error: %s %s: %s", e.Type, e.Tag, e.Message.Text)
}

type RPCErrors []RPCError

// Filter returns only the errors matching one of the given severities,
// defaulting to severity error.
func (errs RPCErrors) Filter(severity ...ErrSeverity) RPCErrors {
	if len(errs) == 0 {
		return nil
	}

	if len(severity) == 0 {
		severity = []ErrSeverity{SevError}
	}

	filteredErrs := make(RPCErrors, 0, len(errs))
	for _, err := range errs {
		if !slices.Contains(severity, err.Severity) {
			continue
		}
		filteredErrs = append(filteredErrs, err)
	}
	return filteredErrs
}

func (errs RPCErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}

	if len(errs) == 1 {
		return errs[0].Error()
	}

	var sb strings.Builder
	sb.WriteString("multiple netconf errors:\n")
	for i, err := range errs {
		if i > 0 {
			sb.WriteRune('\n')
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

func (errs RPCErrors) Unwrap() error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}

	unboxedErrs := make([]error, len(errs))
	for i, err := range errs {
		unboxedErrs[i] = err
	}
	return errors.Join(unboxedErrs...)
}

// ExtantBool maps presence of an empty element (like <ok/>) to a bool.
type ExtantBool bool

func (b ExtantBool) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if !b {
		return nil
	}
	// This produces an empty start/end tag (i.e <tag></tag>) vs a
	// self-closing tag (<tag/>) which should be the same in XML, however
	// certain vendors may have issues with this format.
	//
	// See https://github.com/golang/go/issues/21399
	return e.EncodeElement(struct{}{}, start)
}

func (b *ExtantBool) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	*b = true
	return d.Skip()
}

// RawXML is a helper type for getting innerxml content as a byte slice.
type RawXML []byte

func (x *RawXML) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var inner struct {
		Data []byte `xml:",innerxml"`
	}

	if err := d.DecodeElement(&inner, &start); err != nil {
		return err
	}

	*x = inner.Data
	return nil
}

func (x RawXML) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	inner := struct {
		Data []byte `xml:",innerxml"`
	}{
		Data: []byte(x),
	}
	return e.EncodeElement(&inner, start)
}

// ParseReply parses an rpc-reply document into its typed form, keeping the
// original bytes for Doc and Equal.
func ParseReply(doc []byte) (*RPCReply, error) {
	var reply RPCReply
	if err := xml.Unmarshal(doc, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse rpc-reply: %w", err)
	}
	reply.raw = doc
	return &reply, nil
}
