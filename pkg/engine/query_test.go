package engine

import (
	"bytes"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

func queryStore() *store.Store {
	st := store.New(testLogger())
	st.PutClassHard("linux", store.NewTags(store.TagSourceAgent, "inventory"), "")
	st.PutClassHard("x86_64", store.NewTags(store.TagSourceAgent), "")
	st.PutClassSoft("webserver", store.ScopeNamespace, store.NewTags(store.TagSourcePromise), "serves http")

	ref := func(scope, name string) store.VarRef {
		return store.VarRef{Namespace: store.DefaultNamespace, Scope: scope, Name: name}
	}
	st.PutVariable(ref("sys", "arch"), rval.Scalar("x86_64"), rval.TypeString, store.NewTags(store.TagSourceAgent), "")
	st.PutVariable(ref("main", "motd"), rval.Scalar(strings.Repeat("long text ", 10)), rval.TypeString, nil, "")
	st.PutVariable(ref("main", "blob"), rval.Scalar("bad\x00byte"), rval.TypeString, nil, "")
	return st
}

func TestQueryClasses(t *testing.T) {
	st := queryStore()

	records, err := QueryClasses(st, "")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, r := range records {
		names = append(names, r.Name)
	}
	if got := strings.Join(names, ","); got != "linux,webserver,x86_64" {
		t.Errorf("classes = %s", got)
	}

	records, err = QueryClasses(st, "inu")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Name != "linux" || !records[0].Hard {
		t.Errorf("partial match = %+v", records)
	}

	if _, err := QueryClasses(st, "(["); err == nil {
		t.Error("an invalid pattern should be an error")
	}
}

func TestQueryVariables(t *testing.T) {
	st := queryStore()

	records, err := QueryVariables(st, `main\.`)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Name != "default:main.blob" || records[0].Value != nonPrintable {
		t.Errorf("non-printable value = %+v", records[0])
	}
}

func TestShowClasses(t *testing.T) {
	var buf bytes.Buffer
	if err := ShowClasses(&buf, queryStore(), "web"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("output = %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "Class name") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "webserver") || !strings.Contains(lines[1], "source=promise") || !strings.Contains(lines[1], "serves http") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestShowVariablesTruncates(t *testing.T) {
	var buf bytes.Buffer
	if err := ShowVariables(&buf, queryStore(), "motd"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "Variable name") {
		t.Errorf("output should start with the header: %q", out)
	}
	if !strings.Contains(out, truncateMarker) {
		t.Errorf("long value should be truncated: %q", out)
	}
	if strings.Contains(out, strings.Repeat("long text ", 10)) {
		t.Error("full value should not be printed")
	}
}
