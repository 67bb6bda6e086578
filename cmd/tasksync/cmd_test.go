package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/tasksync/internal/engine"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

var testNow = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

func TestParseDue(t *testing.T) {
	tests := []struct {
		in   string
		want schema.Date
	}{
		{"", ""},
		{"2025-07-01", "2025-07-01"},
		{"tomorrow", "2025-06-16"},
	}
	for _, tt := range tests {
		got, err := parseDue(tt.in, testNow)
		if err != nil {
			t.Fatalf("parseDue(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseDue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := parseDue("zzz", testNow); !errors.Is(err, syncerr.ErrValidation) {
		t.Errorf("parseDue(zzz) = %v, want validation error", err)
	}
}

func TestParseRecurrence(t *testing.T) {
	rec, err := parseRecurrence("monthly/2", 6)
	if err != nil {
		t.Fatalf("parseRecurrence failed: %v", err)
	}
	if rec.Unit != schema.UnitMonthly || rec.Interval != 2 || rec.OccurrenceLimit != 6 {
		t.Errorf("parseRecurrence = %+v", rec)
	}

	if rec, err := parseRecurrence("", 0); rec != nil || err != nil {
		t.Errorf("empty recurrence = %+v, %v", rec, err)
	}
	for _, in := range []string{"hourly", "weekly/x", "daily/0"} {
		if _, err := parseRecurrence(in, 0); !errors.Is(err, syncerr.ErrValidation) {
			t.Errorf("parseRecurrence(%q) = %v, want validation error", in, err)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" bob, ,carol ")
	if strings.Join(got, "|") != "bob|carol" {
		t.Errorf("splitList = %v", got)
	}
}

func sampleView() engine.View {
	return engine.View{
		Scope: schema.ProjectScope("p1"),
		Tasks: []schema.Task{
			{ID: "t1", Text: "Draft", Status: schema.StatusTodo, DueDate: "2025-06-01", Origin: schema.OriginPersisted},
			{ID: "t2", Text: "Ship", Status: schema.StatusDone, Origin: schema.OriginOptimistic},
		},
		Pending: 1,
	}
}

func TestPrintView_Formats(t *testing.T) {
	today := schema.DateOf(testNow)

	var js bytes.Buffer
	if err := printView(&js, sampleView(), "json", today); err != nil {
		t.Fatalf("json: %v", err)
	}
	var out viewOutput
	if err := json.Unmarshal(js.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if out.Scope != "project:p1" || len(out.Tasks) != 2 || !out.Tasks[0].Overdue || out.Pending != 1 {
		t.Errorf("json output = %+v", out)
	}

	var ym bytes.Buffer
	if err := printView(&ym, sampleView(), "yaml", today); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var yout viewOutput
	if err := yaml.Unmarshal(ym.Bytes(), &yout); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if yout.Tasks[1].Origin != "optimistic" {
		t.Errorf("yaml output = %+v", yout)
	}

	var txt bytes.Buffer
	if err := printView(&txt, sampleView(), "text", today); err != nil {
		t.Fatalf("text: %v", err)
	}
	if !strings.Contains(txt.String(), "Draft") || !strings.Contains(txt.String(), "(pending)") {
		t.Errorf("text output = %q", txt.String())
	}

	if err := printView(&txt, sampleView(), "xml", today); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestOfferView_KeepsNewest(t *testing.T) {
	s := &session{views: make(chan engine.View, 1)}
	s.offerView(engine.View{Pending: 1})
	s.offerView(engine.View{Pending: 2})
	s.offerView(engine.View{Pending: 3})

	if v := <-s.views; v.Pending != 3 {
		t.Errorf("kept view %d, want 3", v.Pending)
	}
}
