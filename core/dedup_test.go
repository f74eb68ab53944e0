package core

import (
	"testing"
	"time"
)

func standupEvent(source, id, title string, start time.Time, attendees ...string) UnifiedEvent {
	event := UnifiedEvent{
		ID:       UnifiedEventID(source, id),
		Source:   source,
		SourceID: id,
		Title:    title,
		Start:    start,
		End:      start.Add(15 * time.Minute),
		Status:   EventStatusConfirmed,
	}
	for _, email := range attendees {
		event.Attendees = append(event.Attendees, Attendee{Email: email})
	}
	return event
}

func TestDeduplicateMergesCrossProviderStandup(t *testing.T) {
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []UnifiedEvent{
		standupEvent("microsoft", "m1", "standup", nine.Add(2*time.Minute), "Bob@Example.com"),
		standupEvent("google", "g1", "Standup", nine, "bob@example.com", "ada@example.com"),
	}

	merged := Deduplicate(events, DefaultMatchPolicy())
	if len(merged) != 1 {
		t.Fatalf("expected one merged event, got %d", len(merged))
	}
	primary := merged[0]
	if primary.Source != "google" {
		t.Fatalf("expected earliest event as primary, got %s", primary.Source)
	}
	if len(primary.Sources) != 2 || primary.Sources[0] != "google" || primary.Sources[1] != "microsoft" {
		t.Fatalf("unexpected sources: %v", primary.Sources)
	}
	if primary.DedupGroupID == "" || len(primary.Duplicates) != 1 || primary.Duplicates[0].DedupGroupID != primary.DedupGroupID {
		t.Fatalf("expected duplicate annotated with the group id, got %+v", primary)
	}
}

func TestDeduplicateKeepsDifferentTitlesApart(t *testing.T) {
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []UnifiedEvent{
		standupEvent("google", "g1", "Standup", nine, "bob@example.com"),
		standupEvent("microsoft", "m1", "Stand-up Meeting", nine, "bob@example.com"),
	}
	if merged := Deduplicate(events, DefaultMatchPolicy()); len(merged) != 2 {
		t.Fatalf("expected events to stay separate, got %d", len(merged))
	}
}

func TestDeduplicateRequiresSharedAttendeeOrLocation(t *testing.T) {
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := standupEvent("google", "g1", "Standup", nine, "ada@example.com")
	b := standupEvent("microsoft", "m1", "Standup", nine, "bob@example.com")
	if merged := Deduplicate([]UnifiedEvent{a, b}, DefaultMatchPolicy()); len(merged) != 2 {
		t.Fatalf("expected no merge without shared context, got %d", len(merged))
	}

	a.Location = "Room 4"
	b.Location = " room  4 "
	if merged := Deduplicate([]UnifiedEvent{a, b}, DefaultMatchPolicy()); len(merged) != 1 {
		t.Fatalf("expected merge on shared location, got %d", len(merged))
	}
}

func TestDeduplicateNeverMergesSameSource(t *testing.T) {
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []UnifiedEvent{
		standupEvent("google", "g1", "Standup", nine, "bob@example.com"),
		standupEvent("google", "g2", "Standup", nine, "bob@example.com"),
	}
	if merged := Deduplicate(events, DefaultMatchPolicy()); len(merged) != 2 {
		t.Fatalf("expected same-source events to stay separate, got %d", len(merged))
	}
}

func TestDeduplicateOrderingIsDeterministic(t *testing.T) {
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []UnifiedEvent{
		standupEvent("microsoft", "b", "Review", nine),
		standupEvent("google", "z", "Planning", nine),
		standupEvent("microsoft", "a", "Retro", nine),
		standupEvent("google", "y", "Early", nine.Add(-time.Hour)),
	}

	want := []string{"google:y", "google:z", "microsoft:a", "microsoft:b"}
	for range 3 {
		got := Deduplicate(events, DefaultMatchPolicy())
		if len(got) != len(want) {
			t.Fatalf("expected %d events, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i].ID)
			}
		}
		events[0], events[3] = events[3], events[0]
	}
}

func TestDeduplicateGroupIDIsStable(t *testing.T) {
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := standupEvent("google", "g1", "Standup", nine, "bob@example.com")
	b := standupEvent("microsoft", "m1", "Standup", nine.Add(time.Minute), "bob@example.com")

	first := Deduplicate([]UnifiedEvent{a, b}, DefaultMatchPolicy())
	second := Deduplicate([]UnifiedEvent{b, a}, DefaultMatchPolicy())
	if first[0].DedupGroupID != second[0].DedupGroupID {
		t.Fatalf("expected stable group id, got %s and %s", first[0].DedupGroupID, second[0].DedupGroupID)
	}
}

func TestDeduplicateDisabledKeepsEverything(t *testing.T) {
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []UnifiedEvent{
		standupEvent("google", "g1", "Standup", nine, "bob@example.com"),
		standupEvent("microsoft", "m1", "Standup", nine, "bob@example.com"),
	}
	policy := DefaultMatchPolicy()
	policy.Enabled = false
	merged := Deduplicate(events, policy)
	if len(merged) != 2 || len(merged[0].Sources) != 1 {
		t.Fatalf("expected untouched events, got %+v", merged)
	}
}

func TestTitleSimilarityThreshold(t *testing.T) {
	if !titlesMatch("Weekly Sync", "weekly sync!", 1) {
		t.Fatalf("expected normalized titles to match exactly")
	}
	if titlesMatch("Weekly Team Sync", "Weekly Sync", 1) {
		t.Fatalf("exact policy must reject differing titles")
	}
	if !titlesMatch("Weekly Team Sync", "Weekly Sync", 0.6) {
		t.Fatalf("expected jaccard 2/3 to pass a 0.6 threshold")
	}
}
