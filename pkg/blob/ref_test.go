/*
Copyright 2013 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blob

import (
	"encoding/json"
	"testing"
)

var parseTests = []struct {
	in  string
	bad bool
}{
	{in: "sha1-0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33"},
	{in: "foo-0b0c"},
	{in: "/camli/sha1-0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33", bad: true},
	{in: "", bad: true},
	{in: "foo", bad: true},
	{in: "-0f", bad: true},
	{in: "sha1-xx", bad: true},
	{in: "-", bad: true},
	{in: "sha1-0b", bad: true},
}

func TestParse(t *testing.T) {
	for _, tt := range parseTests {
		ref, ok := Parse(tt.in)
		if ok == tt.bad {
			t.Errorf("Parse(%q) ok = %v; want %v", tt.in, ok, !tt.bad)
			continue
		}
		if ok && ref.String() != tt.in {
			t.Errorf("Parse(%q).String() = %q", tt.in, ref.String())
		}
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustParse("not-a-ref")
}

func TestRefEquality(t *testing.T) {
	a := SHA1FromString("hello")
	b := SHA1FromString("hello")
	c := SHA1FromString("world")
	if a != b {
		t.Error("expected equal refs for equal content")
	}
	if a == c {
		t.Error("expected distinct refs for distinct content")
	}
	m := map[Ref]bool{a: true}
	if !m[b] {
		t.Error("Ref should be usable as a map key")
	}
}

func TestRefJSONRoundTrip(t *testing.T) {
	want := SHA1FromString("round trip me")
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	var got Ref
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("round trip: got %v, want %v", got, want)
	}
}

func TestRefBinaryRoundTrip(t *testing.T) {
	want := SHA1FromString("binary round trip")
	data, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Ref
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("round trip: got %v, want %v", got, want)
	}
}

func TestParseOrZero(t *testing.T) {
	if ParseOrZero("bogus").Valid() {
		t.Error("expected invalid ref for bogus input")
	}
	if !ParseOrZero("sha1-0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33").Valid() {
		t.Error("expected valid ref")
	}
}
