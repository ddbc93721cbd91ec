package store

import (
	"testing"
)

func TestHardWins(t *testing.T) {
	s := newTestStore()
	if !s.PutClassHard("am_policy_hub", NewTags("source=agent", "derived-from=file"), "") {
		t.Fatal("PutClassHard refused")
	}

	if s.PutClassSoft("am_policy_hub", ScopeNamespace, NewTags(TagSourceAugments), "from augments") {
		t.Error("soft definition over hard should return false")
	}

	c, ok := s.GetClass("am_policy_hub")
	if !ok {
		t.Fatal("class disappeared")
	}
	if !c.Hard {
		t.Error("class was downgraded to soft")
	}
	if c.Tags.Has(TagSourceAugments) || c.Comment != "" {
		t.Errorf("soft write altered tags or comment: %v %q", c.Tags, c.Comment)
	}
}

func TestPutClassIdempotent(t *testing.T) {
	s := newTestStore()
	if !s.PutClassHard("linux", nil, "") || !s.PutClassHard("linux", nil, "") {
		t.Error("repeated hard definition should succeed")
	}
	if !s.PutClassSoft("web", ScopeNamespace, nil, "") || !s.PutClassSoft("web", ScopeNamespace, nil, "") {
		t.Error("repeated soft definition should succeed")
	}
	if len(s.Classes()) != 2 {
		t.Errorf("expected 2 classes, got %d", len(s.Classes()))
	}
	if s.PutClassHard("web", nil, "") {
		t.Error("hard definition over soft should be refused")
	}
}

func TestBundleScopedClasses(t *testing.T) {
	s := newTestStore()
	s.PushFrame("default", "main")
	s.PutClassSoft("local_only", ScopeBundle, nil, "")
	s.PutClassSoft("global", ScopeNamespace, nil, "")

	if !s.HasClass("local_only") {
		t.Fatal("bundle class not visible inside bundle")
	}

	s.PushFrame("default", "callee")
	if s.HasClass("local_only") {
		t.Error("caller bundle class visible in callee")
	}
	s.PopFrame()
	s.PopFrame()

	if s.HasClass("local_only") {
		t.Error("bundle class survived bundle exit")
	}
	if !s.HasClass("global") {
		t.Error("namespace class lost on bundle exit")
	}
}

func TestNamespacedClasses(t *testing.T) {
	s := newTestStore()
	s.PutClassHard("linux", nil, "")
	s.PushFrame("web", "setup")
	s.PutClassSoft("frontend", ScopeNamespace, nil, "")

	if !s.HasClass("frontend") || !s.HasClass("web:frontend") {
		t.Error("namespaced class not visible")
	}
	if !s.HasClass("linux") {
		t.Error("default namespace classes should be visible from other namespaces")
	}
	s.PopFrame()

	if s.HasClass("frontend") {
		t.Error("web:frontend should not be visible unqualified in default namespace")
	}
	names, err := s.ClassesMatching("web:.*")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "web:frontend" {
		t.Errorf("ClassesMatching = %v", names)
	}
}

func TestClassesMatching(t *testing.T) {
	s := newTestStore()
	for _, c := range []string{"linux", "debian_12", "debian", "x86_64"} {
		s.PutClassHard(c, nil, "")
	}

	got, err := s.ClassesMatching("debian.*")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "debian" || got[1] != "debian_12" {
		t.Errorf("ClassesMatching = %v", got)
	}

	got, _ = s.ClassesMatching("deb")
	if len(got) != 0 {
		t.Errorf("pattern must be anchored, got %v", got)
	}
}

func TestRemoveClass(t *testing.T) {
	s := newTestStore()
	s.PutClassHard("linux", nil, "")
	s.PutClassSoft("ready", ScopeNamespace, nil, "")

	if s.RemoveClass("linux") {
		t.Error("hard class must not be removable")
	}
	if !s.RemoveClass("ready") || s.HasClass("ready") {
		t.Error("soft class should be removed")
	}
}

func TestCanonicalClassNames(t *testing.T) {
	s := newTestStore()
	s.PutClassSoft("file-/etc/hosts_repaired", ScopeNamespace, nil, "")
	if !s.HasClass("file__etc_hosts_repaired") {
		t.Error("class name should be canonified")
	}
}
