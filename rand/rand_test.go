//
// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package rand

import (
	"bufio"
	"bytes"
	cryptorand "crypto/rand"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBooleanBufIsShifting(t *testing.T) {
	defer func() { randBuf = bufio.NewReaderSize(cryptorand.Reader, 65536) }()
	randBitLock.Lock()
	randBitPos = math.MaxInt8
	randBitLock.Unlock()
	randBuf = bytes.NewReader([]byte{
		0b00100100,
		0b10010000,
	})
	for pos, want := range []bool{
		// first byte
		false,
		false,
		true,
		false,
		false,
		true,
		false,
		false,
		// second byte
		false,
		false,
		false,
		false,
		true,
		false,
		false,
		true,
	} {
		if got := Boolean(); got != want {
			t.Errorf("Boolean: got %v, want %v in %v-th iteration", got, want, pos)
		}
	}
}

func TestI63nIsInRange(t *testing.T) {
	for _, n := range []int64{1, 2, 7, 1000} {
		for i := 0; i < 1000; i++ {
			if got := I63n(n); got < 0 || got >= n {
				t.Fatalf("I63n(%d) = %d, want a value in [0, %d)", n, got, n)
			}
		}
	}
}

func TestUniformIsInRange(t *testing.T) {
	for i := 0; i < 10000; i++ {
		if got := Uniform(); got <= 0 || got > 1 {
			t.Fatalf("Uniform() = %f, want a value in (0, 1]", got)
		}
	}
}

func TestSampleIsWithoutReplacement(t *testing.T) {
	for _, tc := range []struct {
		n, k int
	}{
		{10, 0},
		{10, 1},
		{10, 10},
		{50000, 116},
		{1000, 50},
	} {
		got := Sample(NewSeeded(42), tc.n, tc.k)
		if len(got) != tc.k {
			t.Errorf("Sample(%d, %d) returned %d indices", tc.n, tc.k, len(got))
		}
		seen := make(map[int]bool)
		for _, i := range got {
			if i < 0 || i >= tc.n {
				t.Errorf("Sample(%d, %d) returned out of range index %d", tc.n, tc.k, i)
			}
			if seen[i] {
				t.Errorf("Sample(%d, %d) returned index %d twice", tc.n, tc.k, i)
			}
			seen[i] = true
		}
	}
}

func TestSampleCoversPopulation(t *testing.T) {
	got := Sample(Secure(), 8, 8)
	seen := make([]bool, 8)
	for _, i := range got {
		seen[i] = true
	}
	want := []bool{true, true, true, true, true, true, true, true}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("Sample(8, 8) did not return a permutation (-want +got):\n%s", diff)
	}
}

func TestSeededIsDeterministic(t *testing.T) {
	a, b := NewSeeded(7), NewSeeded(7)
	for i := 0; i < 100; i++ {
		if x, y := a.Normal(), b.Normal(); x != y {
			t.Fatalf("seeded generators diverged at draw %d: %f != %f", i, x, y)
		}
	}
	if diff := cmp.Diff(Sample(NewSeeded(3), 100, 10), Sample(NewSeeded(3), 100, 10)); diff != "" {
		t.Errorf("Sample with equal seeds differs (-first +second):\n%s", diff)
	}
}
