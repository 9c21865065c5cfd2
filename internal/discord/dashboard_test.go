package discord

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/discord/mock"
	"github.com/voxbridge/voxbridge/internal/router"
	"github.com/voxbridge/voxbridge/internal/section"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// scriptedStatus is a StatusSource backed by fixed snapshots.
type scriptedStatus struct {
	mu  sync.Mutex
	sec section.Section
	ok  bool
	st  router.SystemStatus
}

func (s *scriptedStatus) SectionStatus(string) (section.Section, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sec, s.ok
}

func (s *scriptedStatus) SystemStatus() router.SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// end simulates the broadcast disappearing from the engine.
func (s *scriptedStatus) end() {
	s.mu.Lock()
	s.ok = false
	s.mu.Unlock()
}

func testSection() section.Section {
	return section.Section{
		ID:                 "sec1",
		GuildID:            "g1",
		Name:               "War Room",
		SpeakerChannelID:   "sp",
		ListenerChannelIDs: []string{"l1", "l2"},
		ForwarderID:        "audioforwarder_sp",
		ReceiverIDs:        map[string]string{"l1": "audioreceiver_l1", "l2": "audioreceiver_l2"},
		Active:             true,
		StartedAt:          time.Now().Add(-90 * time.Second),
	}
}

func testSystemStatus() router.SystemStatus {
	return router.SystemStatus{
		ActiveSections: 1,
		Workers: []worker.Worker{
			{ID: "audioforwarder_sp", State: worker.StateRunning},
			{ID: "audioreceiver_l1", State: worker.StateRunning},
			{ID: "audioreceiver_l2", State: worker.StateRunning},
		},
		RunningWorkers: 3,
		Tokens:         token.Stats{Available: 1, Used: 3, SharedMode: true},
		RelayRunning:   true,
		RelayAddr:      "127.0.0.1:9432",
	}
}

func newTestDashboard(poster MessagePoster, engine StatusSource) *Dashboard {
	return NewDashboard(DashboardConfig{
		Poster:    poster,
		Engine:    engine,
		GuildID:   "g1",
		ChannelID: "text1",
	})
}

func TestDashboard_UpdateCreatesThenEdits(t *testing.T) {
	t.Parallel()

	poster := &mock.MessagePoster{}
	src := &scriptedStatus{sec: testSection(), ok: true, st: testSystemStatus()}
	d := newTestDashboard(poster, src)

	if !d.update() {
		t.Fatal("update() = false, want true while section is active")
	}
	if len(poster.Sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(poster.Sends))
	}
	if d.messageID == "" {
		t.Fatal("messageID not recorded after create")
	}

	// The live message carries the stop button.
	if len(poster.Sends[0].Components) == 0 {
		t.Fatal("live dashboard has no components")
	}

	if !d.update() {
		t.Fatal("update() = false on second tick")
	}
	if len(poster.Sends) != 1 {
		t.Errorf("expected no second send, got %d", len(poster.Sends))
	}
	if len(poster.Edits) != 1 {
		t.Fatalf("expected 1 edit, got %d", len(poster.Edits))
	}
	if poster.Edits[0].ID != d.messageID {
		t.Errorf("edit targets message %q, want %q", poster.Edits[0].ID, d.messageID)
	}
}

func TestDashboard_UpdatePostsEndedWhenSectionGone(t *testing.T) {
	t.Parallel()

	poster := &mock.MessagePoster{}
	src := &scriptedStatus{sec: testSection(), ok: true, st: testSystemStatus()}
	d := newTestDashboard(poster, src)

	d.update()
	src.end()

	if d.update() {
		t.Fatal("update() = true, want false once section is gone")
	}

	edit := poster.LastEdit()
	if edit == nil {
		t.Fatal("no final edit recorded")
	}
	if (*edit.Embeds)[0].Color != embedColorRed {
		t.Errorf("final embed color = %#x, want %#x", (*edit.Embeds)[0].Color, embedColorRed)
	}
	if edit.Components == nil || len(*edit.Components) != 0 {
		t.Error("final edit must strip the stop button")
	}
}

func TestDashboard_StopPostsFinalEmbedOnce(t *testing.T) {
	t.Parallel()

	poster := &mock.MessagePoster{}
	src := &scriptedStatus{sec: testSection(), ok: true, st: testSystemStatus()}
	d := newTestDashboard(poster, src)

	d.update()
	d.Stop()
	d.Stop()

	if len(poster.Edits) != 1 {
		t.Errorf("expected exactly 1 final edit, got %d", len(poster.Edits))
	}
}

func TestDashboard_StopBeforeFirstUpdate(t *testing.T) {
	t.Parallel()

	poster := &mock.MessagePoster{}
	src := &scriptedStatus{}
	d := newTestDashboard(poster, src)

	// No message exists yet, so there is nothing to edit.
	d.Stop()

	if len(poster.Edits) != 0 {
		t.Errorf("expected no edits, got %d", len(poster.Edits))
	}
}

func TestDashboard_SendFailureRetriesNextTick(t *testing.T) {
	t.Parallel()

	poster := &mock.MessagePoster{SendErr: context.DeadlineExceeded}
	src := &scriptedStatus{sec: testSection(), ok: true, st: testSystemStatus()}
	d := newTestDashboard(poster, src)

	if !d.update() {
		t.Fatal("update() = false, want true after a failed send")
	}
	if d.messageID != "" {
		t.Fatal("messageID recorded despite send failure")
	}

	poster.SendErr = nil
	d.update()
	if len(poster.Sends) != 2 {
		t.Fatalf("expected 2 send attempts, got %d", len(poster.Sends))
	}
	if d.messageID == "" {
		t.Error("messageID not recorded after retry")
	}
}

func TestDashboard_LoopSelfStops(t *testing.T) {
	t.Parallel()

	poster := &mock.MessagePoster{}
	src := &scriptedStatus{sec: testSection(), ok: true, st: testSystemStatus()}
	d := NewDashboard(DashboardConfig{
		Poster:    poster,
		Engine:    src,
		GuildID:   "g1",
		ChannelID: "text1",
		Interval:  10 * time.Millisecond,
	})

	d.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	src.end()

	select {
	case <-d.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after the section ended")
	}

	edit := poster.LastEdit()
	if edit == nil {
		t.Fatal("no final edit recorded")
	}
	if (*edit.Embeds)[0].Color != embedColorRed {
		t.Errorf("final embed color = %#x, want ended red", (*edit.Embeds)[0].Color)
	}
}

func TestStatusEmbed(t *testing.T) {
	t.Parallel()

	e := StatusEmbed(testSection(), testSystemStatus())

	if e.Color != embedColorGreen {
		t.Errorf("color = %#x, want %#x", e.Color, embedColorGreen)
	}
	if got := embedField(t, e, "Speaker"); got != "<#sp>" {
		t.Errorf("Speaker field = %q", got)
	}
	if got := embedField(t, e, "Workers"); got != "forwarder running, receivers 2/2 running" {
		t.Errorf("Workers field = %q", got)
	}
	if got := embedField(t, e, "Tokens"); got != "3 in use, 1 free (shared)" {
		t.Errorf("Tokens field = %q", got)
	}
	if got := embedField(t, e, "Relay"); got != "127.0.0.1:9432" {
		t.Errorf("Relay field = %q", got)
	}
	if got := embedField(t, e, "Listeners"); got != "<#l1> <#l2>" {
		t.Errorf("Listeners field = %q", got)
	}
}

func TestStatusEmbed_CountsRestarts(t *testing.T) {
	t.Parallel()

	st := testSystemStatus()
	st.Workers[1].Restarts = 2
	st.Workers[1].State = worker.StateStarting

	got := embedField(t, StatusEmbed(testSection(), st), "Workers")
	if !strings.Contains(got, "receivers 1/2 running") {
		t.Errorf("Workers field = %q, want a 1/2 receiver count", got)
	}
	if !strings.Contains(got, "2 restarts") {
		t.Errorf("Workers field = %q, want a restart count", got)
	}
}

func TestIdleEmbed(t *testing.T) {
	t.Parallel()

	e := IdleEmbed(testSystemStatus())

	if e.Color != embedColorBlurple {
		t.Errorf("color = %#x, want %#x", e.Color, embedColorBlurple)
	}
	if e.Description == "" {
		t.Error("idle embed has no description")
	}
	if got := embedField(t, e, "Relay"); got != "127.0.0.1:9432" {
		t.Errorf("Relay field = %q", got)
	}
}

func TestRelaySummary_Down(t *testing.T) {
	t.Parallel()

	if got := relaySummary(router.SystemStatus{}); got != "down" {
		t.Errorf("relaySummary() = %q, want %q", got, "down")
	}
}

func TestListenerField_CollapsesLongLists(t *testing.T) {
	t.Parallel()

	ids := make([]string, 15)
	for n := range ids {
		ids[n] = string(rune('a' + n))
	}

	got := listenerField(ids)
	if !strings.Contains(got, "and 3 more") {
		t.Errorf("listenerField() = %q, want a collapsed tail", got)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m 30s"},
		{3661 * time.Second, "1h 1m 1s"},
		{26 * time.Hour, "26h 0m 0s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// embedField returns the value of a named embed field.
func embedField(t *testing.T, e *discordgo.MessageEmbed, name string) string {
	t.Helper()
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	t.Fatalf("embed has no %q field", name)
	return ""
}
