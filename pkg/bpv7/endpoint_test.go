// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"testing"
)

func TestNewEndpointID(t *testing.T) {
	tests := []struct {
		uri   string
		valid bool
	}{
		{"dtn:none", true},
		{"dtn://foo/", true},
		{"dtn://foo/bar", true},
		{"dtn://foo/bar/buz", true},
		{"dtn://foo", true},
		{"DTN://foo/", true},
		{"dtn://Foo/", true},
		{"dtn:foo", false},
		{"dtn://", false},
		{"uff:uff", false},
		{"", false},
	}

	for _, test := range tests {
		eid, err := NewEndpointID(test.uri)

		if test.valid == (err != nil) {
			t.Fatalf("%s: expected valid = %t, got err = %v", test.uri, test.valid, err)
		}

		if err == nil {
			if checkErr := eid.CheckValid(); checkErr != nil {
				t.Fatalf("%s: CheckValid errored: %v", test.uri, checkErr)
			}
		}
	}
}

func TestEndpointCanonical(t *testing.T) {
	tests := []struct {
		uri       string
		canonical string
		nodeName  string
		path      string
	}{
		{"dtn://foo/", "dtn://foo/", "foo", "/"},
		{"dtn://foo", "dtn://foo/", "foo", "/"},
		{"DTN://FOO/", "dtn://foo/", "foo", "/"},
		{"dtn://foo/BAR", "dtn://foo/BAR", "foo", "/BAR"},
		{"dtn:none", "dtn:none", "", "/"},
	}

	for _, test := range tests {
		eid, err := NewEndpointID(test.uri)
		if err != nil {
			t.Fatal(err)
		}

		if s := eid.String(); s != test.canonical {
			t.Fatalf("%s: expected canonical %s, got %s", test.uri, test.canonical, s)
		}
		if eid.NodeName != test.nodeName {
			t.Fatalf("%s: expected node name %q, got %q", test.uri, test.nodeName, eid.NodeName)
		}
		if p := eid.Path(); p != test.path {
			t.Fatalf("%s: expected path %s, got %s", test.uri, test.path, p)
		}
	}
}

func TestEndpointSameNode(t *testing.T) {
	tests := []struct {
		a    string
		b    string
		same bool
	}{
		{"dtn://foo/", "dtn://foo/bar", true},
		{"dtn://foo/", "dtn://foo/", true},
		{"dtn://foo/", "dtn://bar/", false},
		{"dtn://foo/", "dtn:none", false},
		{"dtn:none", "dtn:none", false},
	}

	for _, test := range tests {
		a := MustNewEndpointID(test.a)
		b := MustNewEndpointID(test.b)

		if same := a.SameNode(b); same != test.same {
			t.Fatalf("%s to %s: expected SameNode = %t, got %t", test.a, test.b, test.same, same)
		}
	}
}

func TestEndpointCborRoundtrip(t *testing.T) {
	for _, test := range []string{"dtn:none", "dtn://foo/", "dtn://foo/bar"} {
		eid := MustNewEndpointID(test)

		buff := new(bytes.Buffer)
		if err := eid.MarshalCbor(buff); err != nil {
			t.Fatal(err)
		}

		var eid2 EndpointID
		if err := eid2.UnmarshalCbor(buff); err != nil {
			t.Fatal(err)
		}

		if eid != eid2 {
			t.Fatalf("%v != %v", eid, eid2)
		}
	}
}

func TestEndpointZeroValueIsNone(t *testing.T) {
	var eid EndpointID

	if !eid.IsNone() {
		t.Fatal("zero value is not the null endpoint")
	}
	if eid != DtnNone() {
		t.Fatal("zero value differs from DtnNone()")
	}
}
