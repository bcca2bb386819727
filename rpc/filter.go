package rpc

import (
	"encoding/xml"
	"maps"
	"slices"
)

// Filter restricts the data returned by <get> and <get-config>.  Construct
// one with [SubtreeFilter] or [XPathFilter].
type Filter interface {
	xml.Marshaler
	filter()
}

type subtreeFilter struct {
	f any
}

func (f subtreeFilter) filter() {}

func (f subtreeFilter) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: "subtree"})

	switch v := f.f.(type) {
	case string:
		inner := struct {
			Data string `xml:",innerxml"`
		}{Data: v}
		return e.EncodeElement(&inner, start)
	case []byte:
		inner := struct {
			Data []byte `xml:",innerxml"`
		}{Data: v}
		return e.EncodeElement(&inner, start)
	default:
		return e.EncodeElement(f.f, start)
	}
}

// SubtreeFilter creates a subtree filter (RFC6241 section 6) from the given
// XML structure.  Strings and byte slices are taken as literal XML.
func SubtreeFilter(filter any) Filter {
	return subtreeFilter{f: filter}
}

type xpathFilter struct {
	Select     string
	Namespaces map[string]string
}

func (f xpathFilter) filter() {}

func (f xpathFilter) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = append(start.Attr,
		xml.Attr{Name: xml.Name{Local: "type"}, Value: "xpath"},
		xml.Attr{Name: xml.Name{Local: "select"}, Value: f.Select},
	)

	for _, prefix := range slices.Sorted(maps.Keys(f.Namespaces)) {
		uri := f.Namespaces[prefix]
		start.Attr = append(start.Attr, xml.Attr{
			Name:  xml.Name{Local: "xmlns:" + prefix},
			Value: uri,
		})
	}

	return e.EncodeElement(struct{}{}, start)
}

// XPathFilter creates a filter from an XPath 1.0 expression.  Requires the
// `:xpath` capability on the server.  namespaces maps the prefixes used in
// the path to their URIs.
func XPathFilter(path string, namespaces map[string]string) Filter {
	return xpathFilter{Select: path, Namespaces: namespaces}
}
