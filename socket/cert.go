package socket

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
)

// CertKind is the security data type of AT#SSLSECDATA.
type CertKind int

const (
	KindClientCert CertKind = iota
	KindCACert
	KindPrivateKey
)

func (k CertKind) String() string {
	switch k {
	case KindClientCert:
		return "client-cert"
	case KindCACert:
		return "ca-cert"
	case KindPrivateKey:
		return "private-key"
	default:
		return "unknown"
	}
}

// Cert is one entry of a certificate list. An entry without data deletes
// whatever the modem stores for its kind.
type Cert struct {
	Name string
	Kind CertKind
	Data []byte
}

// Size returns the number of bytes uploaded for c.
func (c Cert) Size() int {
	return len(c.Data)
}

// DefaultKey identifies the default certificate list.
const DefaultKey = "default"

// CertList is an immutable list of certificates with an identity key.
// Lists with the same content share the key.
type CertList struct {
	key   string
	certs []Cert
}

// DefaultCerts returns the default list. It is empty: the modem keeps
// the security data it already stores.
func DefaultCerts() CertList {
	return CertList{key: DefaultKey}
}

// NewCertList returns a custom list keyed by the SHA-256 of its content.
func NewCertList(certs ...Cert) CertList {
	h := sha256.New()
	for _, c := range certs {
		fmt.Fprintf(h, "%d:%d:", c.Kind, len(c.Data))
		h.Write(c.Data)
	}
	cloned := make([]Cert, len(certs))
	for i, c := range certs {
		c.Data = slices.Clone(c.Data)
		cloned[i] = c
	}
	return CertList{
		key:   "sha256:" + hex.EncodeToString(h.Sum(nil)),
		certs: cloned,
	}
}

// CertsFromPEM builds a custom list with one entry of the given kind per
// PEM block in data.
func CertsFromPEM(data []byte, kind CertKind) (CertList, error) {
	var certs []Cert
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		certs = append(certs, Cert{
			Name: block.Type,
			Kind: kind,
			Data: pem.EncodeToMemory(block),
		})
	}
	if len(certs) == 0 {
		return CertList{}, fmt.Errorf("no PEM block found")
	}
	return NewCertList(certs...), nil
}

func (l CertList) Key() string {
	return l.key
}

func (l CertList) Len() int {
	return len(l.certs)
}

// At returns the i-th entry.
func (l CertList) At(i int) Cert {
	return l.certs[i]
}

// TLSProfile is the SSL security profile, and session id, of a Telit
// modem.
const TLSProfile = 1

// CertCache remembers which certificate list each SSL security profile of
// the modem holds. A profile holds one list at a time: provisioning a list
// replaces the one provisioned before. It is shared by all TLS clients of
// a process.
type CertCache struct {
	current *xsync.MapOf[int, string]
}

func NewCertCache() *CertCache {
	return &CertCache{current: xsync.NewMapOf[int, string]()}
}

// Loaded reports whether profile holds the list with the given key.
func (c *CertCache) Loaded(profile int, key string) bool {
	v, ok := c.current.Load(profile)
	return ok && v == key
}

// MarkLoaded records that profile now holds the list with the given key.
func (c *CertCache) MarkLoaded(profile int, key string) {
	c.current.Store(profile, key)
}

// Current returns the key of the list held by profile.
func (c *CertCache) Current(profile int) (string, bool) {
	return c.current.Load(profile)
}

// Invalidate forces the next connection on profile to provision its list
// again, e.g. after a modem factory reset.
func (c *CertCache) Invalidate(profile int) {
	c.current.Delete(profile)
}

// Reset forgets every profile.
func (c *CertCache) Reset() {
	c.current.Clear()
}

// SharedCertCache is the process-wide cache used by TLS clients that are
// not given one.
var SharedCertCache = NewCertCache()
