package facts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func hasClass(f *Facts, name string) bool {
	for _, c := range f.Classes {
		if c == name {
			return true
		}
	}
	return false
}

func TestLocalDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "etc/os-release", `NAME="Debian GNU/Linux"
ID=debian
VERSION_ID="12"
# comment
ID_LIKE="linux-base"
`)
	writeFile(t, root, "proc/cpuinfo", "processor\t: 0\nmodel name\t: Test CPU\n\nprocessor\t: 1\n")
	writeFile(t, root, "proc/meminfo", "MemTotal:       2048000 kB\nMemAvailable:   1024000 kB\n")

	l := NewLocal(zerolog.New(nil).Level(zerolog.Disabled), "/var/lib/converge", "/etc/converge/inputs", "1.0.0")
	l.Root = root
	l.now = func() time.Time { return time.Date(2026, time.October, 19, 14, 32, 0, 0, time.UTC) }

	f, err := l.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"any", "debian", "debian_12", "linux_base", "2_cpus", "Monday", "Hr14", "Min32", "Min30_35", "Q3", "Yr2026", "October", "Day19", "Afternoon"} {
		if !hasClass(f, want) {
			t.Errorf("missing class %s in %v", want, f.Classes)
		}
	}

	checks := map[string]string{
		"flavor":          "debian_12",
		"cpus":            "2",
		"cpu_model":       "Test CPU",
		"memory_total_mb": "2000",
		"workdir":         "/var/lib/converge",
		"statedir":        "/var/lib/converge/state",
		"cf_version":      "1.0.0",
	}
	for name, want := range checks {
		v, ok := f.Vars[name]
		if !ok || v.String() != want {
			t.Errorf("sys.%s = %v, want %q", name, v, want)
		}
	}

	osr, ok := f.Vars["os_release"].AsContainer()
	if !ok {
		t.Fatal("os_release should be a container")
	}
	if id, _ := osr.Get("ID"); id == nil {
		t.Error("os_release.ID missing")
	}
}

func TestTimeClasses(t *testing.T) {
	got := timeClasses(time.Date(2026, time.January, 1, 23, 58, 0, 0, time.UTC))
	want := "Thursday Hr23 Hr23_Q4 Min58 Min55_00 Q4 Yr2026 January Day1 Evening"
	if strings.Join(got, " ") != want {
		t.Errorf("timeClasses = %v\nwant %s", got, want)
	}
}

func TestInstall(t *testing.T) {
	f := New()
	f.AddClass("linux")
	f.AddClass("web-01.example")
	f.AddClass("linux")
	f.SetString("host", "web-01")
	f.SetVar("interfaces", rval.StringList([]string{"eth0"}))

	if len(f.Classes) != 2 || f.Classes[1] != "web_01_example" {
		t.Fatalf("Classes = %v", f.Classes)
	}

	st := store.New(zerolog.New(nil).Level(zerolog.Disabled))
	classes, vars := f.Install(st)
	if classes != 2 || vars != 2 {
		t.Errorf("Install = %d classes, %d vars", classes, vars)
	}

	c, ok := st.GetClass("linux")
	if !ok || !c.Hard {
		t.Error("linux should be a hard class")
	}
	v, ok := st.GetVariable(store.ParseRef("sys.host"))
	if !ok || v.String() != "web-01" {
		t.Errorf("sys.host = %v", v)
	}

	// Policy may not overwrite discovered data.
	if st.PutVariable(store.ParseRef("sys.host"), rval.Scalar("evil"), rval.TypeString, store.NewTags(store.TagSourcePromise), "") {
		t.Error("policy write into sys should be refused")
	}
}

func TestChainAndStatic(t *testing.T) {
	a := New()
	a.AddClass("one")
	a.SetString("x", "1")
	b := New()
	b.AddClass("two")
	b.SetString("x", "2")

	f, err := Chain{Static{Facts: a}, Static{Facts: b}, Static{}}.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(f.Classes, ",") != "one,two" {
		t.Errorf("Classes = %v", f.Classes)
	}
	if f.Vars["x"].String() != "2" {
		t.Errorf("later provider should override, x = %v", f.Vars["x"])
	}
	if strings.Join(f.VarNames(), ",") != "x" {
		t.Errorf("VarNames = %v", f.VarNames())
	}
}
