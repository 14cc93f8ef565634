package bindcore

// Well-known Attributes keys (spec.md §3, §9). Roles may add their own
// keys; these are the ones TransportCore itself reads or writes.
const (
	AttrRemoteUID        = "remote-uid"
	AttrServerAuthority  = "server-authority"
	AttrParcelablePolicy = "inbound-parcelable-policy"
	AttrSecurityLevel    = "security-level"
	AttrLocalAddress     = "local-address"
	AttrRemoteAddress    = "remote-address"
)

// Security levels a transport can attribute to itself once setup
// completes (spec.md §3, §9 Design Notes). SecurityLevelNone is the
// tentative value present before setup finishes.
const (
	SecurityLevelNone                = "none"
	SecurityLevelIntegrity           = "Integrity"
	SecurityLevelPrivacyAndIntegrity = "PrivacyAndIntegrity"
)

// Attributes is the immutable-after-setup bag of values a transport
// exposes about itself once Ready, keyed by the well-known Attr*
// constants plus whatever application-level keys a
// ServerTransportListener chooses to add from TransportReady. Values are
// opaque to bindcore itself except where it writes one of the well-known
// keys.
//
// Attributes is copy-on-write: every mutating method returns a new
// Attributes, leaving the receiver untouched, so a reference handed out
// before setup completes never changes under the holder.
type Attributes struct {
	values map[string]any
}

// NewAttributes returns an empty Attributes set.
func NewAttributes() Attributes {
	return Attributes{}
}

// Get looks up key.
func (a Attributes) Get(key string) (any, bool) {
	if a.values == nil {
		return nil, false
	}
	v, ok := a.values[key]
	return v, ok
}

// With returns a new Attributes with key set to value, leaving a
// unmodified.
func (a Attributes) With(key string, value any) Attributes {
	next := make(map[string]any, len(a.values)+1)
	for k, v := range a.values {
		next[k] = v
	}
	next[key] = value
	return Attributes{values: next}
}

// Merge returns a new Attributes containing a's entries overlaid with
// other's, other winning on key collisions.
func (a Attributes) Merge(other Attributes) Attributes {
	next := make(map[string]any, len(a.values)+len(other.values))
	for k, v := range a.values {
		next[k] = v
	}
	for k, v := range other.values {
		next[k] = v
	}
	return Attributes{values: next}
}
