package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/idport/idport/internal/core"
)

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	entries := []core.AuditEntry{
		{ID: "c1", Time: time.Unix(1000, 0).UTC(), Action: core.AuditActionLogin, SubjectID: 42},
		{ID: "c2", Time: time.Unix(2000, 0).UTC(), Action: core.AuditActionRevoke, TokenID: "tok1"},
	}
	for _, entry := range entries {
		if err := sink.Log(entry); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	defer file.Close()

	var got []core.AuditEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry core.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decoding line %q: %v", scanner.Text(), err)
		}
		got = append(got, entry)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if got[0].Action != core.AuditActionLogin || got[1].TokenID != "tok1" {
		t.Errorf("entries not round-tripped: %+v", got)
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		if err != nil {
			t.Fatalf("NewFileSink: %v", err)
		}
		if err := sink.Log(core.AuditEntry{Action: core.AuditActionLogin}); err != nil {
			t.Fatalf("Log: %v", err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines after reopening, got %d", lines)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	for i := 0; i < 5; i++ {
		action := core.AuditActionLogin
		if i%2 == 1 {
			action = core.AuditActionRevoke
		}
		if err := sink.Log(core.AuditEntry{Action: action, SubjectID: int64(i)}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	recent := sink.Recent(2)
	if len(recent) != 2 || recent[0].SubjectID != 3 || recent[1].SubjectID != 4 {
		t.Errorf("Recent(2) = %+v", recent)
	}
	if all := sink.Recent(100); len(all) != 5 {
		t.Errorf("Recent(100) should return everything, got %d", len(all))
	}
	if revokes := sink.ByAction(core.AuditActionRevoke); len(revokes) != 2 {
		t.Errorf("ByAction(revoke) = %+v", revokes)
	}
}
