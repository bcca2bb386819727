// Package rpc provides typed NETCONF operations (RFC6241 section 7 and 8)
// plus the Juniper load-configuration surface, executed over a
// netconf.Session.
package rpc

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/netpilot-io/netconf"
)

// asRPCErrors extracts the parsed rpc-errors from an exec failure, if the
// failure was an rpc-reply carrying errors (as opposed to a transport or
// session problem).
func asRPCErrors(err error) (netconf.RPCErrors, bool) {
	var errs netconf.RPCErrors
	if errors.As(err, &errs) {
		return errs, true
	}
	return nil, false
}

func hasTag(errs netconf.RPCErrors, tag netconf.ErrTag) bool {
	for _, err := range errs {
		if err.Tag == tag {
			return true
		}
	}
	return false
}

// execOK runs an operation whose success criterion is a bare <ok/> reply.
func execOK(ctx context.Context, session *netconf.Session, op any, name string) error {
	var reply netconf.RPCReply
	if err := session.Exec(ctx, op, &reply); err != nil {
		return err
	}

	if !reply.OK {
		return fmt.Errorf("%s: operation failed, <ok> not received", name)
	}
	return nil
}

// Get implements the <get> rpc operation defined in [RFC6241 7.7] for
// retrieving running configuration and device state.
//
// [RFC6241 7.7]: https://www.rfc-editor.org/rfc/rfc6241.html#section-7.7
type Get struct {
	Filter Filter `xml:"filter,omitempty"`
}

func (rpc *Get) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	req := struct {
		XMLName xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 get"`
		Filter  Filter   `xml:"filter,omitempty"`
	}{
		Filter: rpc.Filter,
	}
	return e.Encode(&req)
}

type GetReply struct {
	netconf.RPCReply
	Data struct {
		XML []byte `xml:",innerxml"`
	} `xml:"data"`
}

func (rpc *Get) Exec(ctx context.Context, session *netconf.Session) ([]byte, error) {
	var resp GetReply
	if err := session.Exec(ctx, rpc, &resp); err != nil {
		return nil, err
	}

	return resp.Data.XML, nil
}
