/*
Copyright 2011 Google Inc.

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

package lru

import "testing"

func TestLRU(t *testing.T) {
	c := New[string, string](2)

	expectMiss := func(k string) {
		v, ok := c.Get(k)
		if ok {
			t.Fatalf("expected cache miss on key %q but hit value %v", k, v)
		}
	}

	expectHit := func(k string, ev string) {
		v, ok := c.Get(k)
		if !ok {
			t.Fatalf("expected cache(%q)=%v; but missed", k, ev)
		}
		if v != ev {
			t.Fatalf("expected cache(%q)=%v; but got %v", k, ev, v)
		}
	}

	expectMiss("1")
	c.Add("1", "one")
	expectHit("1", "one")

	c.Add("2", "two")
	expectHit("1", "one")
	expectHit("2", "two")

	c.Add("3", "three")
	expectHit("3", "three")
	expectHit("2", "two")
	expectMiss("1")
}

func TestRemoveOldest(t *testing.T) {
	c := New[string, string](2)
	c.Add("1", "one")
	c.Add("2", "two")
	if k, v, ok := c.RemoveOldest(); !ok || k != "1" || v != "one" {
		t.Fatalf("oldest = %q, %q, %v; want 1, one, true", k, v, ok)
	}
	if k, v, ok := c.RemoveOldest(); !ok || k != "2" || v != "two" {
		t.Fatalf("oldest = %q, %q, %v; want 2, two, true", k, v, ok)
	}
	if _, _, ok := c.RemoveOldest(); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestIntKeyedCache(t *testing.T) {
	c := New[int, []string](1)
	c.Add(0, []string{"root"})
	if v, ok := c.Get(0); !ok || v[0] != "root" {
		t.Fatalf("unexpected Get(0): %v, %v", v, ok)
	}
	c.Add(1, []string{"leaf"})
	if _, ok := c.Get(0); ok {
		t.Fatalf("expected eviction of key 0")
	}
}

func TestKeys(t *testing.T) {
	c := New[int, string](0)
	c.Add(3, "c")
	c.Add(1, "a")
	c.Add(2, "b")
	keys := c.Keys()
	sum := 0
	for _, k := range keys {
		sum += k
	}
	if len(keys) != 3 || sum != 6 {
		t.Fatalf("Keys() = %v, want a permutation of [1 2 3]", keys)
	}
}
