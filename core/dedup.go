package core

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var dedupGroupNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:calendar-links:dedup-group"))

// MatchPolicy decides when two events from different providers describe the
// same meeting.
type MatchPolicy struct {
	Enabled       bool
	TimeTolerance time.Duration
	// MinTitleSimilarity of 1 requires equal normalized titles; lower values
	// compare word sets with Jaccard similarity.
	MinTitleSimilarity              float64
	RequireSharedAttendeeOrLocation bool
}

func DefaultMatchPolicy() MatchPolicy {
	return DefaultConfig().MatchPolicy()
}

func (p MatchPolicy) Matches(a, b UnifiedEvent) bool {
	if a.Source == b.Source {
		return false
	}
	if a.AllDay != b.AllDay {
		return false
	}
	if absDuration(a.Start.Sub(b.Start)) > p.TimeTolerance || absDuration(a.End.Sub(b.End)) > p.TimeTolerance {
		return false
	}
	if !titlesMatch(a.Title, b.Title, p.MinTitleSimilarity) {
		return false
	}
	if p.RequireSharedAttendeeOrLocation && !shareAttendeeOrLocation(a, b) {
		return false
	}
	return true
}

// Deduplicate groups matching events and returns one primary per group in
// timeline order. Each group holds at most one event per source; the other
// members are kept on the primary's Duplicates.
func Deduplicate(events []UnifiedEvent, policy MatchPolicy) []UnifiedEvent {
	ordered := make([]UnifiedEvent, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	if !policy.Enabled {
		for i := range ordered {
			ordered[i].Sources = []string{ordered[i].Source}
			ordered[i].Duplicates = nil
		}
		return ordered
	}

	var groups [][]UnifiedEvent
	for _, event := range ordered {
		placed := false
		for i := range groups {
			if groupAccepts(groups[i], event, policy) {
				groups[i] = append(groups[i], event)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []UnifiedEvent{event})
		}
	}

	out := make([]UnifiedEvent, 0, len(groups))
	for _, members := range groups {
		out = append(out, collapseGroup(members))
	}
	SortEvents(out)
	return out
}

func groupAccepts(members []UnifiedEvent, candidate UnifiedEvent, policy MatchPolicy) bool {
	for _, member := range members {
		if !policy.Matches(member, candidate) {
			return false
		}
	}
	return true
}

func collapseGroup(members []UnifiedEvent) UnifiedEvent {
	primary := members[0]
	primary.Sources = []string{primary.Source}
	primary.Duplicates = nil
	if len(members) == 1 {
		return primary
	}

	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	sort.Strings(ids)
	groupID := uuid.NewSHA1(dedupGroupNamespace, []byte(strings.Join(ids, "\n"))).String()

	primary.DedupGroupID = groupID
	for _, member := range members[1:] {
		member.DedupGroupID = groupID
		member.Sources = []string{member.Source}
		member.Duplicates = nil
		primary.Duplicates = append(primary.Duplicates, member)
		primary.Sources = append(primary.Sources, member.Source)
	}
	sort.Strings(primary.Sources)
	return primary
}

// SortEvents orders events by start, then source, then source id.
func SortEvents(events []UnifiedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.SourceID < b.SourceID
	})
}

func NormalizeTitle(title string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, title)
	return strings.Join(strings.Fields(mapped), " ")
}

func titlesMatch(a, b string, minSimilarity float64) bool {
	left, right := NormalizeTitle(a), NormalizeTitle(b)
	if left == right {
		return true
	}
	if minSimilarity >= 1 {
		return false
	}
	return titleSimilarity(left, right) >= minSimilarity
}

func titleSimilarity(a, b string) float64 {
	left := wordSet(a)
	right := wordSet(b)
	if len(left) == 0 && len(right) == 0 {
		return 1
	}
	shared := 0
	for word := range left {
		if _, ok := right[word]; ok {
			shared++
		}
	}
	union := len(left) + len(right) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func wordSet(value string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, word := range strings.Fields(value) {
		set[word] = struct{}{}
	}
	return set
}

func shareAttendeeOrLocation(a, b UnifiedEvent) bool {
	if location := normalizeLocation(a.Location); location != "" && location == normalizeLocation(b.Location) {
		return true
	}
	emails := make(map[string]struct{}, len(a.Attendees))
	for _, attendee := range a.Attendees {
		if email := normalizeEmail(attendee.Email); email != "" {
			emails[email] = struct{}{}
		}
	}
	for _, attendee := range b.Attendees {
		if _, ok := emails[normalizeEmail(attendee.Email)]; ok {
			return true
		}
	}
	return false
}

func normalizeLocation(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func absDuration(value time.Duration) time.Duration {
	if value < 0 {
		return -value
	}
	return value
}
