package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "mobichat")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	want := tokenFile{AccessToken: "tok", Mobile: "555-0100", ExpiresAt: time.Now().Add(time.Minute)}
	if err := saveToken(want); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	got, err := loadToken()
	if err != nil || got.AccessToken != "tok" || got.Mobile != "555-0100" {
		t.Fatalf("loadToken: %+v err=%v", got, err)
	}
	st, err := os.Stat(tokenPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode %v", st.Mode().Perm())
	}

	if err := saveToken(tokenFile{AccessToken: "tok2", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_writeJSON_Pretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeJSON(&buf, map[string]any{"a": 1})
	var m map[string]any
	if json.Unmarshal(buf.Bytes(), &m) != nil || m["a"] != float64(1) {
		t.Fatalf("writeJSON produced invalid json: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("\n  ")) {
		t.Fatalf("writeJSON should indent")
	}
}

func Test_tsString(t *testing.T) {
	t.Parallel()

	if tsString(0) != "" {
		t.Fatalf("zero timestamp should be empty string")
	}
	if got := tsString(1000); got != "1970-01-01T00:16:40Z" {
		t.Fatalf("tsString(1000)=%q", got)
	}
}

func Test_printChats(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 60)
	chats := []chatEntry{
		{ChatID: "555-0100:555-0200", User1: "555-0100", User2: "555-0200", UnreadCount: 2, LastTimestamp: 1000, Online: true},
		{ChatID: "555-0050:555-0100", User1: "555-0050", User2: "555-0100"},
	}
	chats[0].LastMessage = &struct {
		Sender    string `json:"sender"`
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp"`
	}{Sender: "555-0200", Text: long, Timestamp: 1000}

	var buf bytes.Buffer
	printChats(&buf, "555-0100", chats)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("want header + 2 rows, got:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[1], "555-0200") || !strings.Contains(lines[1], "yes") {
		t.Fatalf("row 1: %q", lines[1])
	}
	if !strings.Contains(lines[1], strings.Repeat("x", 37)+"...") || strings.Contains(lines[1], long) {
		t.Fatalf("long preview should be truncated: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "555-0050") || !strings.Contains(lines[2], "no") {
		t.Fatalf("row 2: %q", lines[2])
	}
}

func Test_printMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printMessages(&buf, []message{{ID: 7, Sender: "555-0100", Text: "hi", Timestamp: 1000}})
	if got := buf.String(); got != "[1970-01-01T00:16:40Z] #7 555-0100: hi\n" {
		t.Fatalf("printMessages: %q", got)
	}
}

func Test_splitList_And_compact(t *testing.T) {
	t.Parallel()

	got := splitList(" a:b, ,c:d ,")
	if len(got) != 2 || got[0] != "a:b" || got[1] != "c:d" {
		t.Fatalf("splitList: %v", got)
	}
	if splitList("") != nil {
		t.Fatalf("empty list should be nil")
	}

	if c := compact(json.RawMessage(`{ "a" : 1 }`)); c != `{"a":1}` {
		t.Fatalf("compact: %s", c)
	}
	if c := compact(nil); c != "{}" {
		t.Fatalf("compact(nil): %s", c)
	}
	if c := compact(json.RawMessage("not-json")); c != "not-json" {
		t.Fatalf("compact raw: %s", c)
	}
}

func Test_envOr(t *testing.T) {
	t.Setenv("MOBICHAT_TEST_ENV", "")
	if envOr("MOBICHAT_TEST_ENV", "def") != "def" {
		t.Fatalf("empty env should fall back")
	}
	t.Setenv("MOBICHAT_TEST_ENV", "set")
	if envOr("MOBICHAT_TEST_ENV", "def") != "set" {
		t.Fatalf("env should win")
	}
}
