package proxyvisor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestLogTail_EvictsOldest(t *testing.T) {
	tail := NewLogTail(3)
	for i := 1; i <= 5; i++ {
		tail.Add(LogEvent{Instance: "a", Line: fmt.Sprintf("line %d", i)})
	}

	got := tail.Since(0, "", 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != 3 || got[0].Line != "line 3" || got[2].ID != 5 {
		t.Fatalf("entries = %+v", got)
	}
	if tail.LatestID() != 5 {
		t.Fatalf("LatestID = %d", tail.LatestID())
	}
}

func TestLogTail_Since(t *testing.T) {
	tail := NewLogTail(10)
	for i := 0; i < 6; i++ {
		name := "a"
		if i%2 == 1 {
			name = "b"
		}
		tail.Add(LogEvent{Instance: name, Line: fmt.Sprintf("line %d", i)})
	}

	tests := []struct {
		name     string
		since    int64
		instance string
		limit    int
		wantIDs  []int64
	}{
		{"all", 0, "", 0, []int64{1, 2, 3, 4, 5, 6}},
		{"after id", 4, "", 0, []int64{5, 6}},
		{"one instance", 0, "b", 0, []int64{2, 4, 6}},
		{"limit keeps newest", 0, "", 2, []int64{5, 6}},
		{"cursor pages oldest first", 1, "", 2, []int64{2, 3}},
		{"cursor with instance", 1, "a", 1, []int64{3}},
		{"nothing newer", 6, "", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tail.Since(tt.since, tt.instance, tt.limit)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.wantIDs))
			}
			for i, e := range got {
				if e.ID != tt.wantIDs[i] {
					t.Fatalf("entry %d id = %d, want %d", i, e.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestLogTail_PagesForwardWithoutGaps(t *testing.T) {
	tail := NewLogTail(20)
	tail.Add(LogEvent{Instance: "a", Line: "first"})
	tail.Add(LogEvent{Instance: "a", Line: "second"})

	var seen []int64
	cursor := int64(0)
	for _, e := range tail.Latest(2, "") {
		seen = append(seen, e.ID)
		cursor = e.ID
	}
	for i := 0; i < 5; i++ {
		tail.Add(LogEvent{Instance: "a", Line: fmt.Sprintf("burst %d", i)})
	}
	for {
		page := tail.Since(cursor, "", 2)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			seen = append(seen, e.ID)
			cursor = e.ID
		}
	}

	want := []int64{1, 2, 3, 4, 5, 6, 7}
	if !slices.Equal(seen, want) {
		t.Fatalf("paged ids = %v, want %v", seen, want)
	}
	if got := tail.Latest(1, "a"); len(got) != 1 || got[0].ID != 7 {
		t.Fatalf("Latest(1) = %+v", got)
	}
}

func TestLogTail_Consume(t *testing.T) {
	bus := NewLogBus()
	tail := NewLogTail(10)
	sub := bus.Subscribe(10)
	done := make(chan struct{})
	go func() {
		tail.Consume(sub)
		close(done)
	}()

	bus.Publish(LogEvent{Instance: "a", Line: "hello"})
	bus.Close()
	<-done

	if got := tail.Since(0, "a", 0); len(got) != 1 || got[0].Line != "hello" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestFileSink_WritesPerInstance(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []LogEvent{
		{Instance: "eu", Kind: EventOutput, Line: "listening", Time: at},
		{Instance: "us", Kind: EventLifecycle, Line: "process started pid=42", Time: at},
		{Instance: "eu", Kind: EventError, Line: "error: boom", Time: at},
	}
	for _, ev := range events {
		if err := sink.Write(ev); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	eu, err := os.ReadFile(filepath.Join(dir, "eu.log"))
	if err != nil {
		t.Fatal(err)
	}
	want := "2026-03-01T12:00:00Z listening\n2026-03-01T12:00:00Z -- error: boom\n"
	if string(eu) != want {
		t.Fatalf("eu.log = %q, want %q", eu, want)
	}
	us, err := os.ReadFile(sink.Path("us"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(us), "-- process started pid=42") {
		t.Fatalf("us.log = %q", us)
	}
}

func TestFollowWriter(t *testing.T) {
	bus := NewLogBus()
	sub := bus.Subscribe(4)
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		FollowWriter(&buf, sub)
		close(done)
	}()

	bus.Publish(LogEvent{Instance: "eu", Kind: EventOutput, Line: "ready"})
	bus.Publish(LogEvent{Instance: "eu", Kind: EventLifecycle, Line: "stopped"})
	bus.Close()
	<-done

	if got, want := buf.String(), "[eu] ready\n[eu] -- stopped\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}
