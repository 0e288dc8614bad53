package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func validTask() ScheduledTask {
	return ScheduledTask{
		OwnerID:      "usr_1",
		Name:         "morning news",
		TaskType:     TaskTypeWebSearch,
		Frequency:    FrequencyDaily,
		ScheduleTime: "09:30",
		TaskConfig:   json.RawMessage(`{"query":"go releases"}`),
		IsActive:     true,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ScheduledTask)
		wantErr bool
	}{
		{"valid", func(*ScheduledTask) {}, false},
		{"missing name", func(t *ScheduledTask) { t.Name = " " }, true},
		{"missing owner", func(t *ScheduledTask) { t.OwnerID = "" }, true},
		{"bad type", func(t *ScheduledTask) { t.TaskType = "shell" }, true},
		{"bad frequency", func(t *ScheduledTask) { t.Frequency = "yearly" }, true},
		{"daily without time", func(t *ScheduledTask) { t.ScheduleTime = "" }, true},
		{"hourly without time", func(t *ScheduledTask) { t.Frequency = FrequencyHourly; t.ScheduleTime = "" }, false},
		{"bad time", func(t *ScheduledTask) { t.ScheduleTime = "25:00" }, true},
		{"bad weekday", func(t *ScheduledTask) { t.Frequency = FrequencyWeekly; t.ScheduleDays = []int{7} }, true},
		{"bad config", func(t *ScheduledTask) { t.TaskConfig = json.RawMessage(`{`) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(&task)
			err := task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseScheduleTime(t *testing.T) {
	h, m, err := ParseScheduleTime("07:05")
	if err != nil {
		t.Fatalf("ParseScheduleTime: %v", err)
	}
	if h != 7 || m != 5 {
		t.Errorf("got %02d:%02d, want 07:05", h, m)
	}
	for _, bad := range []string{"", "7", "7:60", "x:10", "24:00"} {
		if _, _, err := ParseScheduleTime(bad); err == nil {
			t.Errorf("ParseScheduleTime(%q) should fail", bad)
		}
	}
}

func TestExecutionDuration(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	e := TaskExecution{StartedAt: start}
	if e.Duration() != 0 {
		t.Errorf("running execution duration = %v, want 0", e.Duration())
	}
	end := start.Add(90 * time.Second)
	e.FinishedAt = &end
	if e.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", e.Duration())
	}
}
