package progress

import (
	"testing"

	"infinitytrain/pkg/domain"
)

func topicWith(ids ...string) domain.Topic {
	subs := make([]domain.Subtopic, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, domain.Subtopic{ID: id})
	}
	return domain.Topic{ID: "t1", Subtopics: subs}
}

func TestForTopicMixedStatuses(t *testing.T) {
	topic := topicWith("a", "b", "c", "d")
	records := []domain.UserProgress{
		{UserID: "u1", SubtopicID: "a", Status: domain.StatusFullyUnderstood},
		{UserID: "u1", SubtopicID: "b", Status: domain.StatusGood},
		{UserID: "u1", SubtopicID: "c", Status: domain.StatusBasic},
		{UserID: "u1", SubtopicID: "d", Status: domain.StatusNotAddressed},
	}
	got := ForTopic(topic, records, "u1")
	if got.WeightedPercentage != 50 {
		t.Fatalf("weighted = %v, want 50", got.WeightedPercentage)
	}
	if got.Completed != 1 || got.MasteryPercentage != 25 {
		t.Fatalf("completed = %d mastery = %d, want 1 and 25", got.Completed, got.MasteryPercentage)
	}
	if got.FullyUnderstood != 1 || got.Good != 1 || got.Basic != 1 || got.NotAddressed != 1 || got.Total != 4 {
		t.Fatalf("unexpected breakdown: %+v", got)
	}
	if got.State != StateInProgress {
		t.Fatalf("state = %s, want in-progress", got.State)
	}
}

func TestForTopicDefaultsAndFilters(t *testing.T) {
	topic := topicWith("a", "b", "c")
	records := []domain.UserProgress{
		{UserID: "u2", SubtopicID: "a", Status: domain.StatusFullyUnderstood},
		{UserID: "u1", SubtopicID: "zz", Status: domain.StatusFullyUnderstood},
		{UserID: "u1", SubtopicID: "b", Status: "bogus"},
	}
	got := ForTopic(topic, records, "u1")
	if got.NotAddressed != 3 || got.WeightedPercentage != 0 || got.State != StateNotStarted {
		t.Fatalf("expected untouched topic, got %+v", got)
	}
}

func TestForTopicCompleted(t *testing.T) {
	topic := topicWith("a", "b")
	records := []domain.UserProgress{
		{UserID: "u1", SubtopicID: "a", Status: domain.StatusFullyUnderstood},
		{UserID: "u1", SubtopicID: "b", Status: domain.StatusFullyUnderstood},
	}
	got := ForTopic(topic, records, "u1")
	if got.State != StateCompleted || got.MasteryPercentage != 100 {
		t.Fatalf("expected completed topic, got %+v", got)
	}
}

func TestForTopicMasteryRounds(t *testing.T) {
	topic := topicWith("a", "b", "c")
	records := []domain.UserProgress{
		{UserID: "u1", SubtopicID: "a", Status: domain.StatusFullyUnderstood},
		{UserID: "u1", SubtopicID: "b", Status: domain.StatusFullyUnderstood},
	}
	got := ForTopic(topic, records, "u1")
	if got.MasteryPercentage != 67 {
		t.Fatalf("mastery = %d, want 67", got.MasteryPercentage)
	}
}

func TestForTopicEmpty(t *testing.T) {
	got := ForTopic(domain.Topic{ID: "t9"}, nil, "u1")
	if got.Total != 0 || got.WeightedPercentage != 0 || got.MasteryPercentage != 0 || got.State != StateNotStarted {
		t.Fatalf("unexpected stats for empty topic: %+v", got)
	}
}

func TestOverviewSkipsDeletedTopics(t *testing.T) {
	topics := []domain.Topic{
		{ID: "t1", Subtopics: []domain.Subtopic{{ID: "a"}}},
		{ID: "t2", IsDeleted: true, Subtopics: []domain.Subtopic{{ID: "b"}}},
		{ID: "t3", Subtopics: []domain.Subtopic{{ID: "c"}}},
	}
	records := []domain.UserProgress{{UserID: "u1", SubtopicID: "c", Status: domain.StatusGood}}
	got := Overview(topics, records, "u1")
	if len(got) != 2 || got[0].TopicID != "t1" || got[1].TopicID != "t3" {
		t.Fatalf("unexpected overview: %+v", got)
	}
	if got[1].WeightedPercentage != 75 {
		t.Fatalf("weighted = %v, want 75", got[1].WeightedPercentage)
	}
}
