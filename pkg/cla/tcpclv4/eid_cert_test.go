// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// buildBundleEidSan creates the DER encoded Subject Alternative Name
// extension value with an id-on-bundleEID otherName.
func buildBundleEidSan(t *testing.T, eid string) []byte {
	var b cryptobyte.Builder

	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidBundleEID)
			b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.IA5String, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(eid))
				})
			})
		})
	})

	der, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return der
}

// selfSignedCert creates a certificate carrying the given extra extensions.
func selfSignedCert(t *testing.T, extraExtensions []pkix.Extension) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := x509.Certificate{
		SerialNumber:    big.NewInt(23),
		Subject:         pkix.Name{CommonName: "dtn node"},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: extraExtensions,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestBundleEIDFromCert(t *testing.T) {
	san := buildBundleEidSan(t, "dtn://b/")
	cert := selfSignedCert(t, []pkix.Extension{{
		Id:    oidSubjectAltName,
		Value: san,
	}})

	eid, found := BundleEIDFromCert(cert)
	if !found {
		t.Fatal("no id-on-bundleEID was found")
	}
	if eid != "dtn://b/" {
		t.Fatalf("expected dtn://b/, got %s", eid)
	}
}

func TestBundleEIDFromCertMissing(t *testing.T) {
	cert := selfSignedCert(t, nil)

	if eid, found := BundleEIDFromCert(cert); found {
		t.Fatalf("found unexpected id-on-bundleEID %s", eid)
	}
}
