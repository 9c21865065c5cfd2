package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"

	"github.com/voxbridge/voxbridge/internal/access"
)

// stateSession builds an offline session whose state holds one guild.
func stateSession(t *testing.T, g *discordgo.Guild) *discordgo.Session {
	t.Helper()
	st := discordgo.NewState()
	if err := st.GuildAdd(g); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
	return &discordgo.Session{State: st}
}

func TestActorFromInteraction(t *testing.T) {
	t.Parallel()

	s := stateSession(t, &discordgo.Guild{
		ID: "g1",
		Roles: []*discordgo.Role{
			{ID: "r1", Name: "Speaker"},
			{ID: "r2", Name: "Broadcast Admin"},
		},
	})

	tests := []struct {
		name  string
		inter *discordgo.InteractionCreate
		want  access.Actor
	}{
		{
			name: "member roles resolve to names",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				GuildID: "g1",
				Member: &discordgo.Member{
					User:  &discordgo.User{ID: "u1"},
					Roles: []string{"r1", "r2"},
				},
			}},
			want: access.Actor{
				UserID:    "u1",
				GuildID:   "g1",
				RoleNames: []string{"Speaker", "Broadcast Admin"},
			},
		},
		{
			name: "administrator permission bit carries over",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				GuildID: "g1",
				Member: &discordgo.Member{
					User:        &discordgo.User{ID: "u2"},
					Permissions: discordgo.PermissionAdministrator,
				},
			}},
			want: access.Actor{
				UserID:        "u2",
				GuildID:       "g1",
				Administrator: true,
			},
		},
		{
			name: "unknown role IDs are skipped",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				GuildID: "g1",
				Member: &discordgo.Member{
					User:  &discordgo.User{ID: "u3"},
					Roles: []string{"r1", "r404"},
				},
			}},
			want: access.Actor{
				UserID:    "u3",
				GuildID:   "g1",
				RoleNames: []string{"Speaker"},
			},
		},
		{
			name: "guild missing from state keeps actor roleless",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				GuildID: "g404",
				Member: &discordgo.Member{
					User:  &discordgo.User{ID: "u4"},
					Roles: []string{"r1"},
				},
			}},
			want: access.Actor{
				UserID:  "u4",
				GuildID: "g404",
			},
		},
		{
			name: "dm interaction has no member",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				User: &discordgo.User{ID: "u5"},
			}},
			want: access.Actor{UserID: "u5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ActorFromInteraction(s, tt.inter)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("actor mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
