package history

import (
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAssignsID(t *testing.T) {
	db := openTemp(t)

	rec := &Record{PromptID: "p-1", WorkflowID: "wf-1", Source: SourceGateway, Status: "complete", OutputType: "image/png", DurationMS: 1200}
	if err := db.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.ID == 0 {
		t.Error("id not assigned")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestAggregateStats(t *testing.T) {
	db := openTemp(t)

	records := []*Record{
		{PromptID: "p-1", WorkflowID: "wf-1", Source: SourceGateway, Status: "complete", DurationMS: 100},
		{PromptID: "p-2", WorkflowID: "wf-1", Source: SourcePipeline, Status: "complete", DurationMS: 300},
		{WorkflowID: "wf-2", Source: SourceBatch, Status: "failed", Error: "timeout waiting for ComfyUI", DurationMS: 200},
	}
	for _, rec := range records {
		if err := db.Insert(rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	stats, err := db.GetAggregateStats()
	if err != nil {
		t.Fatalf("GetAggregateStats: %v", err)
	}
	if stats.TotalRuns != 3 || stats.TotalComplete != 2 || stats.TotalFailed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("avg duration = %v, want 200", stats.AvgDurationMS)
	}
	if stats.TodayRuns != 3 {
		t.Errorf("today runs = %d, want 3", stats.TodayRuns)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	db := openTemp(t)

	for _, promptID := range []string{"p-1", "p-2", "p-3"} {
		db.Insert(&Record{PromptID: promptID, WorkflowID: "wf", Source: SourceGateway, Status: "complete"})
	}

	recent, err := db.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d records", len(recent))
	}
	if recent[0].PromptID != "p-3" || recent[1].PromptID != "p-2" {
		t.Errorf("order = %s, %s", recent[0].PromptID, recent[1].PromptID)
	}
}
