// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"crypto/x509"
	encoding_asn1 "encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// oidSubjectAltName is the X.509 Subject Alternative Name extension.
	oidSubjectAltName = encoding_asn1.ObjectIdentifier{2, 5, 29, 17}

	// oidBundleEID is the id-on-bundleEID otherName form, as registered for
	// TCPCLv4 in RFC 9174, section 4.4.2.1.
	oidBundleEID = encoding_asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 8, 11}
)

// BundleEIDFromCert extracts an id-on-bundleEID otherName entry from a
// certificate's Subject Alternative Name extension. The second return value
// indicates if such an entry was found.
func BundleEIDFromCert(cert *x509.Certificate) (string, bool) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidSubjectAltName) {
			continue
		}

		if eid, found := bundleEIDFromSan(ext.Value); found {
			return eid, true
		}
	}

	return "", false
}

// bundleEIDFromSan inspects the DER encoded GeneralNames sequence of a
// Subject Alternative Name extension for an id-on-bundleEID otherName.
//
//	OtherName ::= SEQUENCE {
//	     type-id    OBJECT IDENTIFIER,
//	     value      [0] EXPLICIT ANY DEFINED BY type-id }
func bundleEIDFromSan(der []byte) (string, bool) {
	var san cryptobyte.String

	input := cryptobyte.String(der)
	if !input.ReadASN1(&san, cryptobyte_asn1.SEQUENCE) {
		return "", false
	}

	for !san.Empty() {
		var generalName cryptobyte.String
		var tag cryptobyte_asn1.Tag

		if !san.ReadAnyASN1(&generalName, &tag) {
			return "", false
		}

		// otherName is GeneralName's CHOICE zero, a constructed field.
		if tag != cryptobyte_asn1.Tag(0).ContextSpecific().Constructed() {
			continue
		}

		var typeId encoding_asn1.ObjectIdentifier
		if !generalName.ReadASN1ObjectIdentifier(&typeId) || !typeId.Equal(oidBundleEID) {
			continue
		}

		var value cryptobyte.String
		if !generalName.ReadASN1(&value, cryptobyte_asn1.Tag(0).ContextSpecific().Constructed()) {
			continue
		}

		var eid cryptobyte.String
		var eidTag cryptobyte_asn1.Tag
		if !value.ReadAnyASN1(&eid, &eidTag) {
			continue
		}

		return string(eid), true
	}

	return "", false
}
