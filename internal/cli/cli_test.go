package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "doctor", "tree", "branch", "job"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	f := root.PersistentFlags().Lookup("home")
	if f == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func TestTreeAddAndList(t *testing.T) {
	home := t.TempDir()

	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "tree", "add", "--name", "my tree", "--project", "p"})
	if err := root.Execute(); err != nil {
		t.Fatalf("tree add: %v", err)
	}
	if !strings.Contains(buf.String(), "Created tree") {
		t.Errorf("tree add output:\n%s", buf.String())
	}

	root = NewRootCmd("")
	buf.Reset()
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "tree", "list"})
	if err := root.Execute(); err != nil {
		t.Fatalf("tree list: %v", err)
	}
	if !strings.Contains(buf.String(), "my tree") {
		t.Errorf("tree list output:\n%s", buf.String())
	}
}

func TestTreeAddRequiresName(t *testing.T) {
	root := NewRootCmd("")
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--home", t.TempDir(), "tree", "add"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without --name")
	}
}

func TestTreeRemoveRequiresYes(t *testing.T) {
	root := NewRootCmd("")
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--home", t.TempDir(), "tree", "remove", "some-id"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without --yes")
	}
}

func TestJobRunAndShow(t *testing.T) {
	home := t.TempDir()

	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "job", "run", "echo", "from-job"})
	if err := root.Execute(); err != nil {
		t.Fatalf("job run: %v", err)
	}
	if !strings.Contains(buf.String(), "from-job") {
		t.Errorf("job run output:\n%s", buf.String())
	}

	root = NewRootCmd("")
	buf.Reset()
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "job", "list"})
	if err := root.Execute(); err != nil {
		t.Fatalf("job list: %v", err)
	}
	if !strings.Contains(buf.String(), "completed") {
		t.Errorf("job list output:\n%s", buf.String())
	}
}
