package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/domain"
)

func TestGate_Authorize(t *testing.T) {
	g := NewGate(DefaultPolicy())

	tests := []struct {
		name       string
		exe        string
		privileged bool
		allowed    bool
		reason     domain.Reason
	}{
		{"pacman query", "pacman", false, true, ""},
		{"pacman privileged", "pacman", true, true, ""},
		{"absolute trusted path", "/usr/bin/pacman", true, true, ""},
		{"checkupdates", "checkupdates", false, true, ""},
		{"checkupdates privileged", "checkupdates", true, false, domain.ReasonPrivilegeNotPermitted},
		{"rm", "rm", false, false, domain.ReasonExecutableNotWhitelisted},
		{"rm privileged", "rm", true, false, domain.ReasonExecutableNotWhitelisted},
		{"untrusted dir", "/tmp/pacman", false, false, domain.ReasonExecutableNotWhitelisted},
		{"relative path", "./pacman", false, false, domain.ReasonExecutableNotWhitelisted},
		{"unclean path", "/usr/bin/../bin/pacman", false, false, domain.ReasonExecutableNotWhitelisted},
		{"systemctl direct", "systemctl", true, false, domain.ReasonDedicatedWrapperRequired},
		{"mount direct", "/usr/bin/mount", false, false, domain.ReasonDedicatedWrapperRequired},
		{"empty", "", false, false, domain.ReasonExecutableNotWhitelisted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Authorize(tt.exe, tt.privileged)
			if d.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (reason %s)", d.Allowed, tt.allowed, d.Reason)
			}
			if d.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.reason)
			}
			err := d.Err()
			if tt.allowed && err != nil {
				t.Errorf("Err() = %v, want nil", err)
			}
			if !tt.allowed && !errors.Is(err, domain.ErrAuthorization) {
				t.Errorf("Err() = %v, want ErrAuthorization", err)
			}
		})
	}
}

func TestGate_PrivilegedIsSubsetOfAllowed(t *testing.T) {
	g := NewGate(Policy{
		Allowed:    []string{"which"},
		Privileged: []string{"which", "rm"},
	})
	if g.Authorize("rm", true).Allowed {
		t.Fatal("privileged-only entry must not be authorized")
	}
	if !g.Authorize("which", true).Allowed {
		t.Fatal("which should be allowed privileged")
	}
}

func TestGate_EmptyPolicyDeniesEverything(t *testing.T) {
	g := NewGate(Policy{})
	for _, exe := range []string{"pacman", "which", "sh"} {
		if g.Authorize(exe, false).Allowed {
			t.Errorf("%s allowed by empty policy", exe)
		}
	}
}

type fakeInfo struct {
	fs.FileInfo
	mode fs.FileMode
}

func (f fakeInfo) Mode() fs.FileMode { return f.mode }

func TestGate_Resolve(t *testing.T) {
	g := NewGate(DefaultPolicy())
	g.stat = func(p string) (fs.FileInfo, error) {
		switch p {
		case "/usr/bin/pacman":
			return fakeInfo{mode: 0o755}, nil
		case "/usr/bin/uname":
			return fakeInfo{mode: 0o644}, nil
		}
		return nil, fs.ErrNotExist
	}

	got, err := g.Resolve("pacman")
	if err != nil || got != "/usr/bin/pacman" {
		t.Fatalf("Resolve(pacman) = %q, %v", got, err)
	}
	if _, err := g.Resolve("uname"); !errors.Is(err, ErrExecutableNotFound) {
		t.Errorf("non-executable file resolved: %v", err)
	}
	if _, err := g.Resolve("/opt/bin/pacman"); !errors.Is(err, ErrExecutableNotFound) {
		t.Errorf("untrusted absolute path resolved: %v", err)
	}
}

func TestGate_ServiceCommand(t *testing.T) {
	g := NewGate(DefaultPolicy())

	tests := []struct {
		name       string
		action     string
		service    string
		wantErr    error
		reason     domain.Reason
		privileged bool
	}{
		{"restart whitelisted", "restart", "apparmor.service", nil, "", true},
		{"status any service", "status", "sshd.service", nil, "", false},
		{"stop unlisted", "stop", "sshd.service", domain.ErrAuthorization, domain.ReasonServiceNotWhitelisted, false},
		{"unknown action", "mask", "apparmor", domain.ErrAuthorization, domain.ReasonActionNotWhitelisted, false},
		{"injection", "status", "foo;reboot", domain.ErrValidation, domain.ReasonInvalidServiceName, false},
		{"flag as name", "status", "--all", domain.ErrValidation, domain.ReasonInvalidServiceName, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := g.ServiceCommand(tt.action, tt.service)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if got := domain.ReasonOf(err); got != tt.reason {
					t.Errorf("reason = %q, want %q", got, tt.reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if inv.Executable != "systemctl" || inv.Privileged != tt.privileged {
				t.Errorf("inv = %+v", inv)
			}
			if inv.Args[len(inv.Args)-1] != tt.service {
				t.Errorf("service not last argument: %v", inv.Args)
			}
		})
	}
}

func TestGate_MountCommand(t *testing.T) {
	g := NewGate(DefaultPolicy())

	inv, err := g.MountCommand(MountSpec{Source: "/dev/sdb1", Target: "/mnt/usb", FSType: "ext4", Options: []string{"ro,noexec"}})
	if err != nil {
		t.Fatalf("MountCommand() = %v", err)
	}
	want := []string{"-t", "ext4", "-o", "ro,noexec", "--", "/dev/sdb1", "/mnt/usb"}
	if strings.Join(inv.Args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", inv.Args, want)
	}
	if !inv.Privileged || inv.Category != domain.CategoryMountControl {
		t.Errorf("inv = %+v", inv)
	}

	inv, err = g.MountCommand(MountSpec{Source: "tmpfs", Target: "/mnt/scratch", FSType: "tmpfs"})
	if err != nil {
		t.Fatalf("tmpfs mount: %v", err)
	}
	if inv.Args[len(inv.Args)-2] != "tmpfs" {
		t.Errorf("args = %v", inv.Args)
	}

	inv, err = g.MountCommand(MountSpec{Source: "/srv/data", Target: "/mnt/data", Bind: true})
	if err != nil || inv.Args[0] != "--bind" {
		t.Fatalf("bind mount = %v, %v", inv.Args, err)
	}

	rejects := []struct {
		name   string
		spec   MountSpec
		reason domain.Reason
	}{
		{"bad fstype", MountSpec{Source: "/dev/sdb1", Target: "/mnt/x", FSType: "cifs"}, domain.ReasonFilesystemNotWhitelisted},
		{"bad option", MountSpec{Source: "/dev/sdb1", Target: "/mnt/x", FSType: "ext4", Options: []string{"exec"}}, domain.ReasonMountOptionNotWhitelisted},
		{"traversal target", MountSpec{Source: "/dev/sdb1", Target: "/mnt/../etc", FSType: "ext4"}, domain.ReasonPathTraversalAttempt},
		{"relative source", MountSpec{Source: "sdb1", Target: "/mnt/x", FSType: "ext4"}, domain.ReasonPathNotAbsolute},
		{"pseudo source as bind", MountSpec{Source: "tmpfs", Target: "/mnt/x", FSType: "tmpfs", Bind: true}, domain.ReasonPathNotAbsolute},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.MountCommand(tt.spec)
			if got := domain.ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %q (%v), want %q", got, err, tt.reason)
			}
		})
	}
}

func TestGate_UnmountCommand(t *testing.T) {
	g := NewGate(DefaultPolicy())

	inv, err := g.UnmountCommand("/mnt/usb", true, true)
	if err != nil {
		t.Fatalf("UnmountCommand() = %v", err)
	}
	if strings.Join(inv.Args, " ") != "-f -l -- /mnt/usb" {
		t.Errorf("args = %v", inv.Args)
	}

	for _, target := range []string{"/", "/home", "/boot/", "/usr"} {
		_, err := g.UnmountCommand(target, false, false)
		if got := domain.ReasonOf(err); got != domain.ReasonProtectedMountPoint {
			t.Errorf("UnmountCommand(%q) reason = %q, want protected", target, got)
		}
	}
}

func TestGate_UnmountCommandFollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "innocent")
	if err := os.Symlink("/home", link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	g := NewGate(DefaultPolicy())

	for _, target := range []string{link, link + "/", "/proc/self/root"} {
		_, err := g.UnmountCommand(target, false, true)
		if got := domain.ReasonOf(err); got != domain.ReasonProtectedMountPoint {
			t.Errorf("UnmountCommand(%q) reason = %q, want protected", target, got)
		}
	}

	// An ordinary link is unmounted by its resolved path.
	mnt := filepath.Join(dir, "mnt")
	if err := os.Mkdir(mnt, 0o755); err != nil {
		t.Fatal(err)
	}
	alias := filepath.Join(dir, "alias")
	if err := os.Symlink(mnt, alias); err != nil {
		t.Fatal(err)
	}
	inv, err := g.UnmountCommand(alias, false, false)
	if err != nil {
		t.Fatalf("UnmountCommand() = %v", err)
	}
	want, _ := filepath.EvalSymlinks(mnt)
	if got := inv.Args[len(inv.Args)-1]; got != want {
		t.Errorf("target = %q, want %q", got, want)
	}
	if _, err := g.UnmountCommand(filepath.Join(alias, "missing"), false, false); err != nil {
		t.Errorf("missing target under a link: %v", err)
	}
}

func TestInvocation_Request(t *testing.T) {
	inv := Invocation{Executable: "systemctl", Args: []string{"restart", "apparmor"}, Privileged: true, Category: domain.CategoryServiceControl}
	req := inv.Request(domain.WithTimeout(time.Minute))
	if !req.Privileged() || req.Category() != domain.CategoryServiceControl || req.Timeout() != time.Minute {
		t.Errorf("request = %s", req)
	}
}

func TestSanitizer_Value(t *testing.T) {
	s := NewSanitizer(64)

	tests := []struct {
		name    string
		in      string
		absent  string
		present string
	}{
		{"home dir", "/home/alice/.config/x", "alice", "/home/[USER]"},
		{"email", "contact bob@example.com now", "bob@example.com", "[EMAIL]"},
		{"ipv4", "peer 192.168.1.20", "192.168.1.20", "[IP_ADDRESS]"},
		{"password assignment", "password=hunter2", "hunter2", "[REDACTED]"},
		{"bearer", "Authorization: Bearer abc.def", "abc.def", "[REDACTED]"},
		{"url credentials", "https://user:pw@mirror.example/x", "user:pw", "[CREDENTIALS]"},
		{"newline injection", "ok\n{\"kind\":\"fake\"}", "\n", "ok "},
		{"hex", strings.Repeat("ab", 20), strings.Repeat("ab", 20), "[HEX_STRING]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Value(tt.in)
			if strings.Contains(got, tt.absent) {
				t.Errorf("Value(%q) = %q, still contains %q", tt.in, got, tt.absent)
			}
			if !strings.Contains(got, tt.present) {
				t.Errorf("Value(%q) = %q, want %q", tt.in, got, tt.present)
			}
		})
	}

	long := s.Value(strings.Repeat("x ", 100))
	if !strings.HasSuffix(long, truncationMarker) || len(long) != 64+len(truncationMarker) {
		t.Errorf("truncation: len=%d %q", len(long), long)
	}
}

func TestSanitizer_Context(t *testing.T) {
	s := NewSanitizer(0)
	got := s.Context(map[string]any{
		"API-Key":    "sk-123",
		"Executable": "pacman",
		"args":       []string{"-Q", "linux"},
		"exit_code":  1,
		"!!!":        "dropped",
	})
	if got["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %q", got["api_key"])
	}
	if got["executable"] != "pacman" || got["args"] != "-Q linux" || got["exit_code"] != "1" {
		t.Errorf("context = %v", got)
	}
	if _, ok := got[""]; ok {
		t.Error("empty key kept")
	}
}

func TestSanitizePaths(t *testing.T) {
	in := "error: could not open /etc/shadow and /home/u/ok.txt"
	got := SanitizePaths(in, []string{"/home/u"})
	if strings.Contains(got, "/etc/shadow") {
		t.Errorf("outside path kept: %q", got)
	}
	if !strings.Contains(got, "/home/u/ok.txt") {
		t.Errorf("allowed path removed: %q", got)
	}
}

func TestSanitizer_ContextTruncatesInKeyOrder(t *testing.T) {
	s := NewSanitizer(0)
	raw := make(map[string]any, maxContextKeys+8)
	for i := range maxContextKeys + 8 {
		raw[fmt.Sprintf("k%02d", i)] = i
	}

	first := s.Context(raw)
	if len(first) != maxContextKeys+1 || first["_dropped_keys"] != "8" {
		t.Fatalf("context has %d keys, dropped = %q", len(first), first["_dropped_keys"])
	}
	for i := range maxContextKeys {
		if _, ok := first[fmt.Sprintf("k%02d", i)]; !ok {
			t.Errorf("k%02d dropped, want the first %d keys kept", i, maxContextKeys)
		}
	}
	want := ContentHash(KindValidationRejected, first)
	for range 20 {
		if got := ContentHash(KindValidationRejected, s.Context(raw)); got != want {
			t.Fatal("truncated context differs between calls")
		}
	}
}

func TestSanitizePaths_URLs(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"failed retrieving file from https://geo.mirror.pkgbuild.com/core/os/x86_64/core.db",
			"failed retrieving file from https://geo.mirror.pkgbuild.com/core/os/x86_64/core.db",
		},
		{
			"mirror http://mirror.example.org/arch/ unreachable, see /etc/pacman.d/mirrorlist",
			"mirror http://mirror.example.org/arch/ unreachable, see [PATH]",
		},
		{"open file:///etc/shadow", "open file://[PATH]"},
		{"open file:///home/u/report.pdf", "open file:///home/u/report.pdf"},
		{"conf=/etc/x", "conf=[PATH]"},
	}
	for _, tt := range tests {
		if got := SanitizePaths(tt.in, []string{"/home/u"}); got != tt.want {
			t.Errorf("SanitizePaths(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash(KindAuthorizationDenied, map[string]string{"a": "1", "b": "2"})
	b := ContentHash(KindAuthorizationDenied, map[string]string{"b": "2", "a": "1"})
	c := ContentHash(KindValidationRejected, map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Error("hash depends on map order")
	}
	if a == c {
		t.Error("hash ignores kind")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64", len(a))
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLogger(t *testing.T) (*EventLogger, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewEventLogger(LoggerConfig{
		SystemDir: t.TempDir(),
		UserDir:   t.TempDir(),
		Now:       clk.Now,
	})
	t.Cleanup(func() { _ = l.Close() })
	return l, clk
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("invalid log line %q: %v", sc.Text(), err)
		}
		out = append(out, r)
	}
	return out
}

func countKind(recs []Record, kind EventKind) int {
	n := 0
	for _, r := range recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func TestEventLogger_RateLimitWithinWindow(t *testing.T) {
	l, clk := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		l.Record(ctx, Event{
			Kind:     KindAuthorizationDenied,
			Severity: SeverityWarning,
			Context:  map[string]any{"attempt": i},
		})
		clk.Advance(time.Second)
	}
	clk.Advance(time.Minute)
	if n := l.Flush(ctx); n != 1 {
		t.Fatalf("Flush() closed %d windows, want 1", n)
	}

	recs := readRecords(t, l.Path())
	if got := countKind(recs, KindAuthorizationDenied); got != 10 {
		t.Errorf("persisted = %d, want 10", got)
	}
	if got := countKind(recs, KindRateLimitExceeded); got != 1 {
		t.Fatalf("summaries = %d, want 1", got)
	}
	summary := recs[len(recs)-1]
	if summary.Context["suppressed_count"] != "5" || summary.Context["suppressed_kind"] != string(KindAuthorizationDenied) {
		t.Errorf("summary context = %v", summary.Context)
	}
}

func TestEventLogger_SpreadAcrossWindows(t *testing.T) {
	l, clk := newTestLogger(t)
	ctx := context.Background()

	for w := 0; w < 3; w++ {
		for i := 0; i < 5; i++ {
			l.Record(ctx, Event{
				Kind:     KindValidationRejected,
				Severity: SeverityWarning,
				Context:  map[string]any{"window": w, "i": i},
			})
		}
		clk.Advance(61 * time.Second)
	}
	l.Flush(ctx)

	recs := readRecords(t, l.Path())
	if got := countKind(recs, KindValidationRejected); got != 15 {
		t.Errorf("persisted = %d, want 15", got)
	}
	if got := countKind(recs, KindRateLimitExceeded); got != 0 {
		t.Errorf("summaries = %d, want 0", got)
	}
}

func TestEventLogger_Deduplicates(t *testing.T) {
	l, clk := newTestLogger(t)
	ctx := context.Background()
	ev := Event{Kind: KindCommandFailed, Severity: SeverityError, Context: map[string]any{"executable": "pacman"}}

	l.Record(ctx, ev)
	l.Record(ctx, ev)
	clk.Advance(6 * time.Second)
	l.Record(ctx, ev)

	if got := countKind(readRecords(t, l.Path()), KindCommandFailed); got != 2 {
		t.Errorf("persisted = %d, want 2", got)
	}
	if l.Deduplicated() != 1 {
		t.Errorf("Deduplicated() = %d, want 1", l.Deduplicated())
	}
}

func TestEventLogger_SanitizesAndHashes(t *testing.T) {
	l, _ := newTestLogger(t)
	l.Record(context.Background(), Event{
		Kind:     KindAuthenticationFailed,
		Severity: SeverityError,
		Context:  map[string]any{"detail": "user bob@example.com\ninjected", "password": "hunter2"},
	})

	recs := readRecords(t, l.Path())
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if strings.Contains(r.Context["detail"], "bob@example.com") || strings.ContainsRune(r.Context["detail"], '\n') {
		t.Errorf("detail not sanitized: %q", r.Context["detail"])
	}
	if r.Context["password"] != "[REDACTED]" {
		t.Errorf("password = %q", r.Context["password"])
	}
	if r.Hash != ContentHash(r.Kind, r.Context) {
		t.Error("hash does not match sanitized context")
	}
	if r.Severity != "error" || r.ID == "" {
		t.Errorf("record = %+v", r)
	}

	info, err := os.Stat(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("log mode = %o, want 600", perm)
	}
}

func TestEventLogger_FallsBackToUserDir(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocked, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	user := t.TempDir()
	l := NewEventLogger(LoggerConfig{SystemDir: blocked, UserDir: user})
	defer l.Close()

	l.Record(context.Background(), Event{Kind: KindAnomaly, Severity: SeverityInfo})
	if dir := filepath.Dir(l.Path()); dir != user {
		t.Errorf("log dir = %q, want %q", dir, user)
	}
}

func TestEventLogger_NeverFailsCaller(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocked, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	l := NewEventLogger(LoggerConfig{SystemDir: blocked, UserDir: blocked})
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Record(context.Background(), Event{Kind: KindAnomaly, Context: map[string]any{"i": i}})
	}
	if l.Path() != "" {
		t.Errorf("Path() = %q, want empty", l.Path())
	}
	if l.Failures() != 3 {
		t.Errorf("Failures() = %d, want 3", l.Failures())
	}
}

type failingSink struct{}

func (failingSink) Append(context.Context, Record) error { return errors.New("db down") }

type recordingSink struct {
	mu   sync.Mutex
	recs []Record
}

func (s *recordingSink) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
	return nil
}

type countingObserver struct {
	mu         sync.Mutex
	persisted  int
	suppressed map[string]int
	failures   int
}

func (o *countingObserver) EventPersisted(EventKind, Severity) {
	o.mu.Lock()
	o.persisted++
	o.mu.Unlock()
}

func (o *countingObserver) EventSuppressed(_ EventKind, reason string) {
	o.mu.Lock()
	if o.suppressed == nil {
		o.suppressed = make(map[string]int)
	}
	o.suppressed[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) LogFailure() {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func TestEventLogger_MirrorsAndObserver(t *testing.T) {
	l, _ := newTestLogger(t)
	sink := &recordingSink{}
	obs := &countingObserver{}
	l.WithMirror(sink).WithMirror(failingSink{}).WithObserver(obs)

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		l.Record(ctx, Event{Kind: KindSpawnFailed, Severity: SeverityError, Context: map[string]any{"i": i}})
	}
	l.Record(ctx, Event{Kind: KindSpawnFailed, Severity: SeverityError, Context: map[string]any{"i": 0}})

	if len(sink.recs) != 10 {
		t.Errorf("mirrored = %d, want 10", len(sink.recs))
	}
	if obs.persisted != 10 {
		t.Errorf("observer persisted = %d, want 10", obs.persisted)
	}
	if obs.suppressed[SuppressedRateLimit] != 2 || obs.suppressed[SuppressedDuplicate] != 1 {
		t.Errorf("observer suppressed = %v", obs.suppressed)
	}
	if l.Failures() != 10 || obs.failures != 10 {
		t.Errorf("failures = %d / %d, want 10", l.Failures(), obs.failures)
	}
}

func TestEventLogger_CloseDrainsWindows(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(LoggerConfig{SystemDir: dir, MaxEvents: 2})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		l.Record(ctx, Event{Kind: KindMultipleInstance, Context: map[string]any{"pid": fmt.Sprint(1000 + i)}})
	}
	path := l.Path()
	if err := l.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	recs := readRecords(t, path)
	if countKind(recs, KindRateLimitExceeded) != 1 {
		t.Errorf("records = %+v", recs)
	}
}

func TestEventLogger_Concurrent(t *testing.T) {
	l, _ := newTestLogger(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(context.Background(), Event{Kind: EventKind(fmt.Sprintf("kind_%d", i%5)), Context: map[string]any{"i": i}})
		}(i)
	}
	wg.Wait()
	if got := len(readRecords(t, l.Path())); got != 50 {
		t.Errorf("records = %d, want 50", got)
	}
}

func TestMemoryRecorder(t *testing.T) {
	var m MemoryRecorder
	var r Recorder = &m
	r.Record(context.Background(), Event{Kind: KindAnomaly})
	if got := m.Events(); len(got) != 1 || got[0].Kind != KindAnomaly {
		t.Errorf("Events() = %+v", got)
	}
}
