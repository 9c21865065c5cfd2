package access

import (
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestAuthorize(t *testing.T) {
	t.Parallel()

	auth := New(Config{Operators: []string{"op-1"}})

	tests := []struct {
		name       string
		actor      Actor
		capability Capability
		want       bool
	}{
		{
			name:       "administrator passes everything",
			actor:      Actor{UserID: "u1", Administrator: true},
			capability: CapSubscriptionManage,
			want:       true,
		},
		{
			name:       "admin role starts broadcasts",
			actor:      Actor{UserID: "u1", RoleNames: []string{"Broadcast Admin"}},
			capability: CapBroadcastStart,
			want:       true,
		},
		{
			name:       "admin role stops broadcasts",
			actor:      Actor{UserID: "u1", RoleNames: []string{"Broadcast Admin"}},
			capability: CapBroadcastStop,
			want:       true,
		},
		{
			name:       "speaker cannot start broadcasts",
			actor:      Actor{UserID: "u1", RoleNames: []string{"Speaker"}},
			capability: CapBroadcastStart,
			want:       false,
		},
		{
			name:       "speaker reads status",
			actor:      Actor{UserID: "u1", RoleNames: []string{"Speaker"}},
			capability: CapBroadcastStatus,
			want:       true,
		},
		{
			name:       "listener cannot read status",
			actor:      Actor{UserID: "u1", RoleNames: []string{"Listener"}},
			capability: CapBroadcastStatus,
			want:       false,
		},
		{
			name:       "operator manages subscriptions",
			actor:      Actor{UserID: "op-1"},
			capability: CapSubscriptionManage,
			want:       true,
		},
		{
			name:       "admin role does not manage subscriptions",
			actor:      Actor{UserID: "u1", RoleNames: []string{"Broadcast Admin"}},
			capability: CapSubscriptionManage,
			want:       false,
		},
		{
			name:       "no roles denied",
			actor:      Actor{UserID: "u1"},
			capability: CapBroadcastStart,
			want:       false,
		},
		{
			name:       "unknown capability denied",
			actor:      Actor{UserID: "u1", RoleNames: []string{"Broadcast Admin"}},
			capability: Capability("broadcast.eject"),
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := auth.Authorize(tt.actor, tt.capability); got != tt.want {
				t.Errorf("Authorize(%v, %s) = %v, want %v", tt.actor, tt.capability, got, tt.want)
			}
		})
	}
}

func TestAuthorizeCustomRoleNames(t *testing.T) {
	t.Parallel()

	auth := New(Config{SpeakerRole: "Host", AdminRole: "Producer"})

	if !auth.Authorize(Actor{RoleNames: []string{"Producer"}}, CapBroadcastStart) {
		t.Error("custom admin role should start broadcasts")
	}
	if auth.Authorize(Actor{RoleNames: []string{"Broadcast Admin"}}, CapBroadcastStart) {
		t.Error("default admin role name should not apply once renamed")
	}
	if !auth.Authorize(Actor{RoleNames: []string{"Host"}}, CapBroadcastStatus) {
		t.Error("custom speaker role should read status")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	auth := New(Config{})
	if got := auth.SpeakerRole(); got != "Speaker" {
		t.Errorf("SpeakerRole() = %q, want Speaker", got)
	}
	if got := auth.ListenerRole(); got != "Listener" {
		t.Errorf("ListenerRole() = %q, want Listener", got)
	}
	if got := auth.AdminRole(); got != "Broadcast Admin" {
		t.Errorf("AdminRole() = %q, want Broadcast Admin", got)
	}
}

// fakeRoleManager records role creations.
type fakeRoleManager struct {
	roles    []*discordgo.Role
	created  []string
	listErr  error
	createErr error
}

func (f *fakeRoleManager) GuildRoles(_ string, _ ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.roles, nil
}

func (f *fakeRoleManager) GuildRoleCreate(_ string, data *discordgo.RoleParams, _ ...discordgo.RequestOption) (*discordgo.Role, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, data.Name)
	return &discordgo.Role{Name: data.Name}, nil
}

func TestEnsureRolesCreatesMissing(t *testing.T) {
	t.Parallel()

	mgr := &fakeRoleManager{roles: []*discordgo.Role{{Name: "Speaker"}, {Name: "@everyone"}}}
	auth := New(Config{AutoCreateRoles: true})

	if err := auth.EnsureRoles(mgr, "g1"); err != nil {
		t.Fatalf("EnsureRoles() error = %v", err)
	}
	want := []string{"Listener", "Broadcast Admin"}
	if len(mgr.created) != len(want) {
		t.Fatalf("created roles = %v, want %v", mgr.created, want)
	}
	for i, name := range want {
		if mgr.created[i] != name {
			t.Errorf("created[%d] = %q, want %q", i, mgr.created[i], name)
		}
	}
}

func TestEnsureRolesDisabled(t *testing.T) {
	t.Parallel()

	mgr := &fakeRoleManager{listErr: errors.New("should not be called")}
	auth := New(Config{AutoCreateRoles: false})

	if err := auth.EnsureRoles(mgr, "g1"); err != nil {
		t.Fatalf("EnsureRoles() with auto-create off: error = %v", err)
	}
}

func TestEnsureRolesPropagatesErrors(t *testing.T) {
	t.Parallel()

	auth := New(Config{AutoCreateRoles: true})

	mgr := &fakeRoleManager{listErr: errors.New("api down")}
	if err := auth.EnsureRoles(mgr, "g1"); err == nil {
		t.Error("EnsureRoles() with list error: expected error, got nil")
	}

	mgr = &fakeRoleManager{createErr: errors.New("missing permission")}
	if err := auth.EnsureRoles(mgr, "g1"); err == nil {
		t.Error("EnsureRoles() with create error: expected error, got nil")
	}
}
