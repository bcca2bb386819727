package rpc

import (
	"context"
	"encoding/xml"

	"github.com/netpilot-io/netconf"
)

// KillSession represents the `<kill-session>` operation defined in
// [RFC6241 7.9] for terminating another NETCONF session.  Servers reject an
// attempt to kill the issuing session itself.
//
// [RFC6241 7.9]: https://www.rfc-editor.org/rfc/rfc6241.html#section-7.9
type KillSession struct {
	SessionID uint64
}

func (rpc KillSession) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	req := struct {
		XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 kill-session"`
		SessionID uint64   `xml:"session-id"`
	}{
		SessionID: rpc.SessionID,
	}
	return e.Encode(&req)
}

func (rpc KillSession) Exec(ctx context.Context, session *netconf.Session) error {
	return execOK(ctx, session, rpc, "kill-session")
}

// DiscardChanges represents the `<discard-changes>` operation (RFC6241
// section 8.3.4.2) which reverts the candidate datastore back to the running
// configuration.
type DiscardChanges struct{}

func (rpc DiscardChanges) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	req := struct {
		XMLName xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 discard-changes"`
	}{}
	return e.Encode(&req)
}

func (rpc DiscardChanges) Exec(ctx context.Context, session *netconf.Session) error {
	return execOK(ctx, session, rpc, "discard-changes")
}
