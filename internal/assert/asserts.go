// Package assert holds the generic test assertions shared by the engine and
// protocol tests. Every assertion stops the test on failure.
package assert

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/exp/slices"
)

const chanTimeout = 30 * time.Second

// dumpCfg renders protocol states and messages field by field, which %v
// does not do for nested pointers.
var dumpCfg = spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}

// ChanWritten returns the next value written to c.
func ChanWritten[T any](t testing.TB, c chan T) T {
	t.Helper()
	var v T
	select {
	case v = <-c:
	case <-time.After(chanTimeout):
		t.Fatal("timeout waiting for chan read")
	}
	return v
}

// ChanNotWritten asserts nothing is written to c during timeout.
func ChanNotWritten[T any](t testing.TB, c chan T, timeout time.Duration) {
	t.Helper()
	select {
	case v := <-c:
		t.Fatalf("channel was written with value %v", v)
	case <-time.After(timeout):
	}
}

func DeepEqual[T any](t testing.TB, got, want T) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected value:\ngot  %s\nwant %s", dumpCfg.Sdump(got), dumpCfg.Sdump(want))
	}
}

func ErrorIs(t testing.TB, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Fatalf("unexpected error: got %v, want %v", got, want)
	}
}

func NilErr(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NonNilErr only checks that some error happened. Prefer ErrorIs.
func NonNilErr(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
}

func BoolIs(t testing.TB, got, want bool) {
	t.Helper()
	if got != want {
		t.Fatalf("unexpected bool: got %v, want %v", got, want)
	}
}

func Contains[S ~[]E, E comparable](t testing.TB, s S, e E) {
	t.Helper()
	if !slices.Contains(s, e) {
		t.Fatalf("%v not found in %s", e, dumpCfg.Sdump(s))
	}
}

// Substring asserts s contains sub.
func Substring(t testing.TB, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Fatalf("%q not found in %q", sub, s)
	}
}

func Len[S ~[]E, E any](t testing.TB, s S, want int) {
	t.Helper()
	if len(s) != want {
		t.Fatalf("unexpected length %d (want %d): %s", len(s), want, dumpCfg.Sdump(s))
	}
}

// IsType asserts v has the dynamic type T and returns it.
func IsType[T any](t testing.TB, v interface{}) T {
	t.Helper()
	res, ok := v.(T)
	if !ok {
		t.Fatalf("unexpected type %T, want %T", v, *new(T))
	}
	return res
}
