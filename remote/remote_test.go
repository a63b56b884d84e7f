package remote

import "testing"

func TestShouldArchiveRespectsMinLevel(t *testing.T) {
	tier := &Tier{cfg: Config{MinLevel: 2}}
	if tier.ShouldArchive(0) || tier.ShouldArchive(1) {
		t.Fatal("levels below MinLevel must not be archived")
	}
	if !tier.ShouldArchive(2) || !tier.ShouldArchive(3) {
		t.Fatal("levels at or above MinLevel must be archived")
	}
}

func TestKeyJoinsPrefixAndBaseName(t *testing.T) {
	tier := &Tier{cfg: Config{Prefix: "vnodes/7/"}}
	got := tier.key("/data/vnode-7/_000042.tsm")
	want := "vnodes/7/_000042.tsm"
	if got != want {
		t.Fatalf("key() = %q, want %q", got, want)
	}
}
