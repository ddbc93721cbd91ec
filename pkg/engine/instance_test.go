package engine

import (
	"testing"

	"github.com/openfroyo/converge/pkg/rval"
)

func TestInstanceID(t *testing.T) {
	attrs := Attributes{
		"mode":  rval.Scalar("0644"),
		"owner": rval.Scalar("root"),
	}
	reordered := Attributes{
		"owner": rval.Scalar("root"),
		"mode":  rval.Scalar("0644"),
	}

	a := InstanceID("files", "main", "/etc/motd", attrs)
	if a != InstanceID("files", "main", "/etc/motd", reordered) {
		t.Error("identity should not depend on attribute order")
	}
	if len(a) != 64 {
		t.Errorf("identity should be a hex blake2b-256 digest, got %q", a)
	}

	changed := Attributes{"mode": rval.Scalar("0600"), "owner": rval.Scalar("root")}
	tests := []struct {
		name string
		id   string
	}{
		{"type", InstanceID("commands", "main", "/etc/motd", attrs)},
		{"bundle", InstanceID("files", "other", "/etc/motd", attrs)},
		{"promiser", InstanceID("files", "main", "/etc/issue", attrs)},
		{"attributes", InstanceID("files", "main", "/etc/motd", changed)},
	}
	for _, tt := range tests {
		if tt.id == a {
			t.Errorf("changing the %s should change the identity", tt.name)
		}
	}
}

func TestAttributes(t *testing.T) {
	attrs := Attributes{
		"name":    rval.Scalar("nginx"),
		"enabled": rval.Scalar("yes"),
		"count":   rval.Scalar("3"),
		"bad":     rval.Scalar("three"),
		"args":    rval.List(rval.Scalar("-a"), rval.Scalar("-b")),
	}

	if got := attrs.String("name", ""); got != "nginx" {
		t.Errorf("String = %q", got)
	}
	if got := attrs.String("missing", "def"); got != "def" {
		t.Errorf("String default = %q", got)
	}
	if !attrs.Bool("enabled", false) || !attrs.Bool("missing", true) {
		t.Error("Bool should parse yes and honour the default")
	}
	if n, err := attrs.Int("count", 0); err != nil || n != 3 {
		t.Errorf("Int = %d, %v", n, err)
	}
	if _, err := attrs.Int("bad", 0); err == nil {
		t.Error("Int should reject non-numbers")
	}
	if got := attrs.List("args"); len(got) != 2 || got[1] != "-b" {
		t.Errorf("List = %v", got)
	}
	if got := attrs.List("name"); len(got) != 1 || got[0] != "nginx" {
		t.Errorf("List of scalar = %v", got)
	}
}

func TestInstanceBodyFallback(t *testing.T) {
	inst := &Instance{
		Type:       "files",
		Bundle:     "main",
		Promiser:   "/etc/motd",
		Attributes: Attributes{"mode": rval.Scalar("0600")},
		Bodies: map[string]Attributes{
			"perms": {"mode": rval.Scalar("0644"), "owners": rval.List(rval.Scalar("root"))},
		},
	}

	if v, ok := inst.Get("mode", "perms"); !ok || v.String() != "0600" {
		t.Errorf("promise attribute should win over the body, got %v", v)
	}
	if v, ok := inst.Get("owners", "perms"); !ok || v.String() == "" {
		t.Error("body attribute should be found")
	}
	if inst.Handle() != "files:main:/etc/motd" {
		t.Errorf("Handle() = %q", inst.Handle())
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"42", 42, false},
		{"2k", 2000, false},
		{"2K", 2048, false},
		{"1m", 1000000, false},
		{"1G", 1 << 30, false},
		{"-5", -5, false},
		{"", 0, true},
		{"abc", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInt(%q) error = %v", tt.in, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseInt(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
