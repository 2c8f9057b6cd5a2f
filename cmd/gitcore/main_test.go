package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/gitcore/pkg/object"
)

// run executes the CLI against dir and returns its output.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"-C", dir, "--log-level", "none"}, args...))
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	if err != nil {
		t.Fatalf("%s: %v\noutput:\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func initCLIRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	out := mustRun(t, dir, "init")
	if !strings.Contains(out, "initialized empty Git repository in "+filepath.Join(dir, ".git")) {
		t.Fatalf("init output = %q", out)
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func TestHashObjectAndCatFile(t *testing.T) {
	dir := initCLIRepo(t)
	writeFile(t, filepath.Join(dir, "hello.txt"), "hello")

	want := object.HashObject(object.TypeBlob, []byte("hello")).String()
	out := mustRun(t, dir, "hash-object", filepath.Join(dir, "hello.txt"))
	if strings.TrimSpace(out) != want {
		t.Fatalf("hash-object = %q, want %s", out, want)
	}
	if _, err := run(t, dir, "cat-file", "-t", want); err == nil {
		t.Fatal("cat-file found an object that was only hashed")
	}

	mustRun(t, dir, "hash-object", "-w", filepath.Join(dir, "hello.txt"))
	if out := mustRun(t, dir, "cat-file", "-t", want); out != "blob\n" {
		t.Fatalf("cat-file -t = %q", out)
	}
	if out := mustRun(t, dir, "cat-file", "-s", want); out != "5\n" {
		t.Fatalf("cat-file -s = %q", out)
	}
	if out := mustRun(t, dir, "cat-file", "-p", want[:7]); out != "hello" {
		t.Fatalf("cat-file -p = %q", out)
	}
	if _, err := run(t, dir, "cat-file", "commit", want); err == nil {
		t.Fatal("cat-file commit on a blob should fail")
	}
}

func TestHashObjectStdin(t *testing.T) {
	dir := initCLIRepo(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("from stdin"))
	root.SetArgs([]string{"-C", dir, "--log-level", "none", "hash-object", "-w", "--stdin"})
	if err := root.Execute(); err != nil {
		t.Fatalf("hash-object --stdin: %v", err)
	}
	want := object.HashObject(object.TypeBlob, []byte("from stdin")).String()
	if strings.TrimSpace(out.String()) != want {
		t.Fatalf("hash-object --stdin = %q, want %s", out.String(), want)
	}
}

func TestRefCommands(t *testing.T) {
	dir := initCLIRepo(t)
	writeFile(t, filepath.Join(dir, "a"), "a")
	writeFile(t, filepath.Join(dir, "b"), "b")
	a := strings.TrimSpace(mustRun(t, dir, "hash-object", "-w", filepath.Join(dir, "a")))
	b := strings.TrimSpace(mustRun(t, dir, "hash-object", "-w", filepath.Join(dir, "b")))

	mustRun(t, dir, "update-ref", "refs/heads/main", a, strings.Repeat("0", 40))
	if out := mustRun(t, dir, "rev-parse", "main"); strings.TrimSpace(out) != a {
		t.Fatalf("rev-parse main = %q", out)
	}
	// Stale old value is refused.
	if _, err := run(t, dir, "update-ref", "refs/heads/main", b, b); err == nil {
		t.Fatal("update-ref with stale old value succeeded")
	}
	mustRun(t, dir, "update-ref", "refs/heads/main", b, a)

	mustRun(t, dir, "symbolic-ref", "refs/heads/alias", "refs/heads/main")
	if out := mustRun(t, dir, "symbolic-ref", "--short", "HEAD"); out != "main\n" {
		t.Fatalf("symbolic-ref HEAD = %q", out)
	}

	out := mustRun(t, dir, "show-ref", "--head")
	wantLines := []string{b + " HEAD", b + " refs/heads/alias", b + " refs/heads/main"}
	if got := strings.Split(strings.TrimSpace(out), "\n"); strings.Join(got, "|") != strings.Join(wantLines, "|") {
		t.Fatalf("show-ref = %q", out)
	}

	if out := mustRun(t, dir, "pack-refs"); out != "packed 1 ref(s)\n" {
		t.Fatalf("pack-refs = %q", out)
	}
	if out := mustRun(t, dir, "rev-parse", "refs/heads/alias"); strings.TrimSpace(out) != b {
		t.Fatalf("rev-parse alias after pack-refs = %q", out)
	}

	mustRun(t, dir, "update-ref", "-d", "refs/heads/alias")
	if _, err := run(t, dir, "rev-parse", "refs/heads/alias"); err == nil {
		t.Fatal("deleted ref still resolves")
	}
}

func TestRepackAndVerify(t *testing.T) {
	dir := initCLIRepo(t)
	writeFile(t, filepath.Join(dir, "f"), strings.Repeat("line\n", 50))
	mustRun(t, dir, "hash-object", "-w", filepath.Join(dir, "f"))

	if out := mustRun(t, dir, "repack", "-d"); !strings.Contains(out, "packed 1 object(s)") {
		t.Fatalf("repack = %q", out)
	}
	if out := mustRun(t, dir, "repack"); out != "nothing to pack\n" {
		t.Fatalf("second repack = %q", out)
	}
	out := mustRun(t, dir, "verify")
	if out != "ok: verified 0 loose object(s), 1 pack file(s), 1 packed object(s)\n" {
		t.Fatalf("verify = %q", out)
	}
}

func TestStateCommand(t *testing.T) {
	dir := initCLIRepo(t)
	if out := mustRun(t, dir, "state"); out != "none\n" {
		t.Fatalf("state = %q", out)
	}
	writeFile(t, filepath.Join(dir, ".git", "CHERRY_PICK_HEAD"), "")
	if out := mustRun(t, dir, "state"); out != "cherry-pick\n" {
		t.Fatalf("state = %q", out)
	}
	mustRun(t, dir, "state", "--cleanup")
	if out := mustRun(t, dir, "state"); out != "none\n" {
		t.Fatalf("state after cleanup = %q", out)
	}
}

func TestBranchTagAndReflog(t *testing.T) {
	dir := initCLIRepo(t)
	writeFile(t, filepath.Join(dir, ".git", "config"), "[core]\n\tbare = false\n\tlogallrefupdates = true\n[user]\n\tname = CLI User\n\temail = cli@example.com\n")
	writeFile(t, filepath.Join(dir, "x"), "x")
	x := strings.TrimSpace(mustRun(t, dir, "hash-object", "-w", filepath.Join(dir, "x")))

	if _, err := run(t, dir, "branch", "topic", x); err == nil {
		t.Fatal("branch at a blob succeeded")
	}

	mustRun(t, dir, "tag", "lw", x)
	mustRun(t, dir, "tag", "-m", "annotated", "ann", x)
	out := mustRun(t, dir, "tag")
	if out != "ann\nlw\n" {
		t.Fatalf("tag list = %q", out)
	}
	out = mustRun(t, dir, "cat-file", "-p", "ann")
	if !strings.Contains(out, "tagger CLI User <cli@example.com>") {
		t.Fatalf("tag object = %q", out)
	}
	mustRun(t, dir, "tag", "-d", "lw")
	if out := mustRun(t, dir, "tag"); out != "ann\n" {
		t.Fatalf("tag list after delete = %q", out)
	}

	mustRun(t, dir, "update-ref", "-m", "first write", "refs/heads/main", x)
	out = mustRun(t, dir, "reflog", "refs/heads/main")
	if !strings.Contains(out, "refs/heads/main@{0}") || !strings.Contains(out, "first write") {
		t.Fatalf("reflog = %q", out)
	}
}

func TestLsFiles(t *testing.T) {
	dir := initCLIRepo(t)
	if out := mustRun(t, dir, "ls-files"); out != "" {
		t.Fatalf("ls-files on empty index = %q", out)
	}
	bare := t.TempDir()
	mustRun(t, bare, "init", "--bare")
	if _, err := run(t, bare, "ls-files"); err == nil {
		t.Fatal("ls-files in a bare repository succeeded")
	}
}

func TestConfigFlag(t *testing.T) {
	dir := initCLIRepo(t)
	cfg := filepath.Join(t.TempDir(), "gitcore.toml")
	writeFile(t, cfg, "bogus_key = 1\n")
	if _, err := run(t, dir, "--config", cfg, "state"); err == nil {
		t.Fatal("unknown tunable accepted")
	}
	writeFile(t, cfg, "max_symbolic_depth = 1\nlog_level = \"none\"\n")
	mustRun(t, dir, "--config", cfg, "symbolic-ref", "refs/heads/a", "refs/heads/b")
	mustRun(t, dir, "--config", cfg, "symbolic-ref", "refs/heads/c", "refs/heads/a")
	writeFile(t, filepath.Join(dir, "f"), "f")
	f := strings.TrimSpace(mustRun(t, dir, "hash-object", "-w", filepath.Join(dir, "f")))
	mustRun(t, dir, "update-ref", "refs/heads/b", f)
	if _, err := run(t, dir, "--config", cfg, "rev-parse", "refs/heads/c"); err == nil {
		t.Fatal("two symbolic hops resolved with max_symbolic_depth = 1")
	}
	mustRun(t, dir, "rev-parse", "refs/heads/c")
}
