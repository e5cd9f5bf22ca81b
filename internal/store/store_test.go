package store

import (
	"errors"
	"testing"
	"time"
)

func TestParseStoreKey(t *testing.T) {
	key, err := ParseStoreKey("Group:public")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if key != NewKey(TypeGroup, "public") {
		t.Fatalf("unexpected key: %v", key)
	}
	if key.String() != "group:public" {
		t.Fatalf("unexpected string form: %s", key)
	}

	for _, raw := range []string{"public", "bogus:x", "hosted:", "hosted:a/b", "remote:a b"} {
		if _, err := ParseStoreKey(raw); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %q, got %v", raw, err)
		}
	}
}

func TestStoreKeyCompareOrdersByTypeThenName(t *testing.T) {
	hosted := NewKey(TypeHosted, "z")
	remote := NewKey(TypeRemote, "a")
	if hosted.Compare(remote) >= 0 {
		t.Fatalf("hosted should sort before remote")
	}
	if NewKey(TypeGroup, "a").Compare(NewKey(TypeGroup, "b")) >= 0 {
		t.Fatalf("names should sort ascending")
	}
	if hosted.Compare(hosted) != 0 {
		t.Fatalf("equal keys should compare 0")
	}
}

func TestCloneIsDeep(t *testing.T) {
	g := NewGroup("public", NewKey(TypeHosted, "local"))
	g.Metadata = map[string]string{"a": "b"}
	g.AllowedPatterns = []string{"org/**"}

	cloned := g.Clone().(*Group)
	cloned.Members[0] = NewKey(TypeRemote, "central")
	cloned.Metadata["a"] = "changed"
	cloned.AllowedPatterns[0] = "com/**"

	if g.Members[0] != NewKey(TypeHosted, "local") {
		t.Fatalf("clone shares members slice")
	}
	if g.Metadata["a"] != "b" {
		t.Fatalf("clone shares metadata map")
	}
	if g.AllowedPatterns[0] != "org/**" {
		t.Fatalf("clone shares pattern slice")
	}
}

func TestIsEnabledAtHonoursDisableTimeout(t *testing.T) {
	now := time.Now()
	r := NewRemote("central", "https://repo.maven.apache.org/maven2")
	if !r.IsEnabledAt(now) {
		t.Fatalf("enabled store reported disabled")
	}

	r.Disabled = true
	if r.IsEnabledAt(now) {
		t.Fatalf("disabled store without timeout should stay disabled")
	}

	r.DisableTimeout = time.Minute
	r.DisabledAt = now.Add(-2 * time.Minute)
	if !r.IsEnabledAt(now) {
		t.Fatalf("disable timeout elapsed, store should be enabled again")
	}
	r.DisabledAt = now
	if r.IsEnabledAt(now.Add(30 * time.Second)) {
		t.Fatalf("disable timeout not yet elapsed")
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		store   ArtifactStore
		wantErr bool
	}{
		{"hosted ok", NewHosted("local"), false},
		{"remote ok", NewRemote("central", "https://repo1.maven.org/maven2"), false},
		{"remote bad scheme", NewRemote("central", "ftp://example.org"), true},
		{"remote missing url", NewRemote("central", ""), true},
		{"group self reference", NewGroup("public", NewKey(TypeGroup, "public")), true},
		{"group ok", NewGroup("public", NewKey(TypeHosted, "local")), false},
		{"bad name", NewHosted("a:b"), true},
		{"type mismatch", &HostedRepository{StoreBase: StoreBase{Key: NewKey(TypeRemote, "x")}}, true},
		{"bad pattern", &HostedRepository{StoreBase: StoreBase{Key: NewKey(TypeHosted, "x"), ExcludedPatterns: []string{"[a-"}}}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.store)
			if tc.wantErr && !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMaterialChange(t *testing.T) {
	prev := NewRemote("central", "https://a.example.org")
	next := prev.Clone().(*RemoteRepository)
	next.Description = "cosmetic"
	if MaterialChange(prev, next) {
		t.Fatalf("description change should not be material")
	}
	next.URL = "https://b.example.org"
	if !MaterialChange(prev, next) {
		t.Fatalf("url change should be material")
	}

	g := NewGroup("public", NewKey(TypeHosted, "a"))
	g2 := g.Clone().(*Group)
	g2.Disabled = true
	if !MaterialChange(g, g2) {
		t.Fatalf("disabled toggle should be material")
	}
}

func TestCodecRoundTripKeepsVariant(t *testing.T) {
	g := NewGroup("public", NewKey(TypeHosted, "local"), NewKey(TypeRemote, "central"))
	g.Revision = 3
	data, err := Marshal(g)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	group, ok := decoded.(*Group)
	if !ok {
		t.Fatalf("expected *Group, got %T", decoded)
	}
	if len(group.Members) != 2 || group.Members[1] != NewKey(TypeRemote, "central") || group.Revision != 3 {
		t.Fatalf("unexpected decoded group: %+v", group)
	}

	if _, err := UnmarshalAs(TypeHosted, data); !errors.Is(err, ErrInvalid) {
		t.Fatalf("type mismatch should be rejected, got %v", err)
	}
}
