package coord

import (
	"errors"
	"testing"
)

func TestValidatePath(t *testing.T) {
	for _, p := range []string{"/", "/a", "/a/b", "/_zk/groups/g"} {
		if err := ValidatePath(p); err != nil {
			t.Fatalf("ValidatePath(%q) = %v, want nil", p, err)
		}
	}
	for _, p := range []string{"", "a", "/a/", "/a//b", "/a/./b"} {
		if err := ValidatePath(p); !errors.Is(err, ErrBadPath) {
			t.Fatalf("ValidatePath(%q) = %v, want ErrBadPath", p, err)
		}
	}
}

func TestAncestors(t *testing.T) {
	got := Ancestors("/a/b/c")
	want := []string{"/a", "/a/b"}
	if len(got) != len(want) {
		t.Fatalf("Ancestors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ancestors[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := Ancestors("/a"); len(got) != 0 {
		t.Fatalf("Ancestors(/a) = %v, want empty", got)
	}
}

func TestPathErrorUnwraps(t *testing.T) {
	err := error(&PathError{Op: "create", Path: "/g/m", Err: ErrNoParent})
	if !errors.Is(err, ErrNoParent) {
		t.Fatalf("errors.Is(%v, ErrNoParent) = false", err)
	}
	if got, want := err.Error(), "create /g/m: coord: parent node does not exist"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestCreateMode(t *testing.T) {
	if Persistent.IsEphemeral() || Persistent.IsSequential() {
		t.Fatal("Persistent must carry no flags")
	}
	if !EphemeralSequential.IsEphemeral() || !EphemeralSequential.IsSequential() {
		t.Fatal("EphemeralSequential must carry both flags")
	}
}
