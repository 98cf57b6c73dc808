package storage

import (
	"testing"

	"helphub/models"
)

func TestRecordMessageUpsertsStatus(t *testing.T) {
	store := newTestStore(t)
	mustBeginSession(t, store, "s1", 100)

	queued := models.Message{
		EndpointID: "ep-1",
		Direction:  models.DirectionSent,
		Content:    "need water",
		Sequence:   1,
		Timestamp:  200,
		Status:     models.StatusQueued,
	}
	if err := store.RecordMessage("s1", queued); err != nil {
		t.Fatalf("RecordMessage queued failed: %v", err)
	}

	settled := queued
	settled.Status = models.StatusSent
	settled.Content = "ignored on update"
	if err := store.RecordMessage("s1", settled); err != nil {
		t.Fatalf("RecordMessage settled failed: %v", err)
	}

	messages, err := store.ListMessages("s1", "ep-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected a single row after upsert, got %d", len(messages))
	}
	if messages[0].Status != models.StatusSent || messages[0].Content != "need water" {
		t.Fatalf("unexpected message %+v", messages[0])
	}
}

func TestListMessagesOrdering(t *testing.T) {
	store := newTestStore(t)
	mustBeginSession(t, store, "s1", 100)

	rows := []models.Message{
		{EndpointID: "ep-2", Direction: models.DirectionReceived, Content: "c1", Sequence: 1, Timestamp: 300, Status: models.StatusReceived},
		{EndpointID: "ep-1", Direction: models.DirectionSent, Content: "b2", Sequence: 2, Timestamp: 250, Status: models.StatusSent},
		{EndpointID: "ep-1", Direction: models.DirectionReceived, Content: "b1", Sequence: 1, Timestamp: 200, Status: models.StatusReceived},
	}
	for _, message := range rows {
		if err := store.RecordMessage("s1", message); err != nil {
			t.Fatalf("RecordMessage %q failed: %v", message.Content, err)
		}
	}

	all, err := store.ListMessages("s1", "")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(all) != 3 || all[0].Content != "b1" || all[1].Content != "b2" || all[2].Content != "c1" {
		t.Fatalf("expected session messages ordered by time, got %+v", all)
	}

	one, err := store.ListMessages("s1", "ep-1")
	if err != nil {
		t.Fatalf("ListMessages for endpoint failed: %v", err)
	}
	if len(one) != 2 || one[0].Sequence != 1 || one[1].Sequence != 2 {
		t.Fatalf("expected endpoint log in sequence order, got %+v", one)
	}
	if one[1].Direction != models.DirectionSent {
		t.Fatalf("direction not preserved: %+v", one[1])
	}
}

func TestRecordMessageValidation(t *testing.T) {
	store := newTestStore(t)
	mustBeginSession(t, store, "s1", 100)

	valid := models.Message{
		EndpointID: "ep-1",
		Direction:  models.DirectionSent,
		Content:    "x",
		Sequence:   1,
		Status:     models.StatusQueued,
	}

	cases := []struct {
		name   string
		mutate func(*models.Message)
	}{
		{"missing endpoint", func(m *models.Message) { m.EndpointID = "" }},
		{"zero sequence", func(m *models.Message) { m.Sequence = 0 }},
		{"bad direction", func(m *models.Message) { m.Direction = "sideways" }},
		{"bad status", func(m *models.Message) { m.Status = "lost" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			message := valid
			tc.mutate(&message)
			if err := store.RecordMessage("s1", message); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := store.RecordMessage("s1", valid); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	messages, err := store.ListMessages("s1", "ep-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Timestamp == 0 {
		t.Fatalf("expected a defaulted timestamp, got %+v", messages)
	}
}
