package rpc

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/netpilot-io/netconf"
)

// LoadType is the merge strategy of a Juniper <load-configuration> request.
type LoadType string

const (
	// LoadMerge combines the supplied configuration with the candidate.
	LoadMerge LoadType = "merge"

	// LoadReplace replaces the elements carrying a replace marker, merging
	// everything else.
	LoadReplace LoadType = "replace"

	// LoadOverride discards the entire candidate and uses the supplied
	// configuration in its place.
	LoadOverride LoadType = "override"

	// LoadUpdate compares the supplied complete configuration against the
	// candidate and applies only the differences.
	LoadUpdate LoadType = "update"

	// LoadSet applies configuration expressed as set/delete commands.  Set
	// input is always curly-brace text, so the format attribute is forced to
	// "text".
	LoadSet LoadType = "set"
)

// LoadConfiguration is the Juniper-proprietary <load-configuration> operation
// for staging configuration into the candidate datastore.  The reply carries
// a <load-configuration-results> element rather than a bare <ok/>, and may
// report warnings alongside success.
type LoadConfiguration struct {
	Action LoadType

	// Format of the supplied configuration: "xml", "text" or "json".  Empty
	// defaults to xml, except for set loads which are always text.
	Format string

	// Config is the configuration payload.  Strings and byte slices are
	// embedded verbatim; other values are marshaled as XML.
	Config any
}

func (rpc LoadConfiguration) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	action := rpc.Action
	if action == "" {
		action = LoadMerge
	}

	format := rpc.Format
	if action == LoadSet {
		format = "text"
	}

	load := xml.StartElement{
		Name: xml.Name{Local: "load-configuration"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "action"}, Value: string(action)},
		},
	}
	if format != "" {
		load.Attr = append(load.Attr, xml.Attr{Name: xml.Name{Local: "format"}, Value: format})
	}

	body := rpc.Config
	switch v := rpc.Config.(type) {
	case string:
		body = struct {
			Data string `xml:",innerxml"`
		}{Data: v}
	case []byte:
		body = struct {
			Data []byte `xml:",innerxml"`
		}{Data: v}
	}

	return e.EncodeElement(body, load)
}

// Exec stages the configuration and returns the parsed results element.
// Warnings in the results do not fail the call; errors of severity error are
// returned as a *netconf.LoadError along with the results.
func (rpc LoadConfiguration) Exec(ctx context.Context, session *netconf.Session) (*netconf.LoadConfigResults, error) {
	var reply netconf.RPCReply
	if err := session.Exec(ctx, rpc, &reply); err != nil {
		if errs, ok := asRPCErrors(err); ok {
			return nil, &netconf.LoadError{Action: string(rpc.Action), Errs: errs}
		}
		return nil, err
	}

	results := reply.LoadResults
	if results == nil {
		return nil, fmt.Errorf("load-configuration: reply missing load-configuration-results")
	}

	if errs := results.Errors.Filter(netconf.SevError); len(errs) > 0 {
		return results, &netconf.LoadError{Action: string(rpc.Action), Errs: errs}
	}

	return results, nil
}

// NewPersistID generates a unique identifier suitable for the PersistID of a
// confirmed [Commit].
func NewPersistID() string {
	return uuid.New().String()
}
