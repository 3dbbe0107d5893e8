package dane

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	fdns "github.com/crispmx/crispmx/framework/dns"
	"github.com/miekg/dns"
)

type testCert struct {
	cert *x509.Certificate
	key  ed25519.PrivateKey
}

func makeCert(t *testing.T, cn string, parent *testCert, isCA bool, names []string) *testCert {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		DNSNames:              names,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}

	parentCert := tmpl
	parentKey := priv
	if parent != nil {
		parentCert = parent.cert
		parentKey = parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, pub, parentKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCert{cert: cert, key: priv}
}

func singleTLSARecord(usage, matchType, selector uint8, cert string) fdns.TLSA {
	return fdns.TLSA{
		Hdr: dns.RR_Header{
			Name:   "crispmx.test.",
			Class:  dns.ClassINET,
			Rrtype: dns.TypeTLSA,
			Ttl:    9999,
		},
		Usage:        usage,
		MatchingType: matchType,
		Selector:     selector,
		Certificate:  cert,
	}
}

func keySHA256(c *testCert) string {
	hash := sha256.Sum256(c.cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

func TestVerify(t *testing.T) {
	// Two unrelated chains:
	//
	//	Root A -> Intermediate A -> Leaf A
	//	Root B -> Leaf B
	rootA := makeCert(t, "Test Root A", nil, true, nil)
	intermediateA := makeCert(t, "Test Intermediate A", rootA, true, nil)
	leafA := makeCert(t, "Test Leaf A", intermediateA, false, []string{"crispmx.test"})
	rootB := makeCert(t, "Test Root B", nil, true, nil)
	leafB := makeCert(t, "Test Leaf B", rootB, false, []string{"crispmx.test"})

	test := func(name string, recs []fdns.TLSA, connState tls.ConnectionState, expectErr bool) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			t.Helper()
			_, err := Verify(recs, "crispmx.test", connState)
			if (err != nil) != expectErr {
				t.Error("err:", err, "expectErr:", expectErr)
			}
		})
	}

	// RFC 7672, Section 2.2:
	// An "insecure" TLSA RRset or DNSSEC-authenticated denial of existence
	// of the TLSA records:
	//    A connection to the MTA SHOULD be made using (pre-DANE)
	// opportunistic TLS;
	//
	// "Insecure" TLSA RRset results in Verify not being called at all,
	// but for the latter (authenticated denial of existence) it is still
	// called and should be tested for.
	test("no TLSA, TLS", []fdns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: true,
	}, false)
	test("no TLSA, no TLS", []fdns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: false,
	}, false)

	// RFC 7672, Section 2.2:
	// A "secure" non-empty TLSA RRset where all the records are unusable:
	//  Any connection to the MTA MUST be made via TLS, but authentication
	//  is not required.
	test("unusable TLSA, TLS", []fdns.TLSA{
		singleTLSARecord(4, 1, 2, "whatever"),
		singleTLSARecord(4, 5, 2, "whatever"),
		singleTLSARecord(4, 1, 1, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, false)
	test("unusable TLSA, no TLS", []fdns.TLSA{
		singleTLSARecord(4, 1, 2, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: false,
	}, true)

	// RFC 7672, Section 2.2:
	// A "secure" TLSA RRset with at least one usable record:  Any
	//  connection to the MTA MUST employ TLS encryption and MUST
	//  authenticate the SMTP server using the techniques discussed in the
	//  rest of this document.
	test("DANE-EE, non-self-signed", []fdns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, false)
	test("DANE-EE, multiple records", []fdns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafB)),
		singleTLSARecord(3, 1, 1, keySHA256(leafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, false)
	test("DANE-EE, self-signed", []fdns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(rootA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{rootA.cert},
	}, false)
	test("DANE-EE, mismatch", []fdns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafB)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, true)
	test("DANE-TA, intermediate TA", []fdns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			leafA.cert,
			intermediateA.cert,
			rootA.cert,
		},
	}, false)
	test("DANE-TA, intermediate TA, mismatch", []fdns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			leafB.cert,
			rootB.cert,
		},
	}, true)
	test("DANE-TA, intermediate TA, multiple records", []fdns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(rootB)),
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
		// Add multiple times to make sure that multiple records matching the
		// same cert do not break anything.
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			leafA.cert,
			intermediateA.cert,
			rootA.cert,
		},
	}, false)
}

func TestUsable(t *testing.T) {
	if Usable([]fdns.TLSA{singleTLSARecord(4, 1, 2, "x")}) {
		t.Error("unusable records reported as usable")
	}
	if !Usable([]fdns.TLSA{singleTLSARecord(4, 1, 2, "x"), singleTLSARecord(3, 1, 1, "x")}) {
		t.Error("usable record not reported")
	}
	if Usable(nil) {
		t.Error("empty RRset reported as usable")
	}
}
