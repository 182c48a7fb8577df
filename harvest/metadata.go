package harvest

// Metadata is one harvested record: an XML document tree plus the identity
// it was fetched under. The identifier is immutable; pipeline stages may
// replace the document in place.
//
// Apart from being well-formed the document is not constrained: it can be a
// record still wrapped in its protocol envelope, the bare payload of such an
// envelope, or an envelope holding a whole list of records.
type Metadata struct {
	id     string
	prefix string
	origin *Provider

	// InEnvelope marks records still wrapped in the protocol envelope.
	InEnvelope bool
	// IsList marks documents that are themselves a list of records.
	IsList bool

	doc *XMLNode
}

// NewMetadata creates a record. origin is a non-owning back-reference to the
// provider the record was fetched from.
func NewMetadata(id, prefix string, doc *XMLNode, origin *Provider, inEnvelope, isList bool) *Metadata {
	return &Metadata{
		id:         id,
		prefix:     prefix,
		origin:     origin,
		InEnvelope: inEnvelope,
		IsList:     isList,
		doc:        doc,
	}
}

// ID returns the record's unique identifier within its provider and prefix.
func (m *Metadata) ID() string { return m.id }

// Prefix returns the metadata format prefix the record was fetched under.
func (m *Metadata) Prefix() string { return m.prefix }

// Origin returns the provider this record was harvested from.
func (m *Metadata) Origin() *Provider { return m.origin }

// Doc returns the record's document tree.
func (m *Metadata) Doc() *XMLNode { return m.doc }

// SetDoc replaces the document without changing the record's identity.
func (m *Metadata) SetDoc(doc *XMLNode) { m.doc = doc }

// MetadataFactory builds Metadata values from raw adapter payloads. It exists
// so strategies stay decoupled from how payloads are parsed.
type MetadataFactory struct{}

// Parse decodes a raw XML payload into a record.
func (f *MetadataFactory) Parse(id, prefix string, body []byte, origin *Provider, inEnvelope, isList bool) (*Metadata, error) {
	doc, err := ParseXMLBytes(body)
	if err != nil {
		return nil, err
	}
	return NewMetadata(id, prefix, doc, origin, inEnvelope, isList), nil
}
