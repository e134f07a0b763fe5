package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-cue/internal/store"
)

func TestGroups_MembershipRoundTrip(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	g, err := st.CreateGroup(ctx, "pack")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, m := range []string{"fox", "owl", "fox"} { // duplicate add is a no-op
		if err := st.AddGroupMember(ctx, g.ID, m); err != nil {
			t.Fatalf("add %s: %v", m, err)
		}
	}

	members, err := st.GroupMembers(ctx, g.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0] != "fox" || members[1] != "owl" {
		t.Fatalf("members = %v, want [fox owl] in join order", members)
	}

	if err := st.RemoveGroupMember(ctx, g.ID, "fox"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	members, err = st.GroupMembers(ctx, g.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "owl" {
		t.Fatalf("members after remove = %v", members)
	}
}

func TestGroups_RenameAndNotFound(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	g, err := st.CreateGroup(ctx, "old")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := st.RenameGroup(ctx, g.ID, "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := st.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if got.Name != "new" {
		t.Fatalf("name = %q", got.Name)
	}

	if err := st.RenameGroup(ctx, "missing", "x"); !errors.Is(err, store.ErrGroupNotFound) {
		t.Fatalf("rename missing = %v, want ErrGroupNotFound", err)
	}
}

func TestGroups_PendingIncludesPauseForBroadcast(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	g, err := st.CreateGroup(ctx, "pack")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := st.AddGroupMember(ctx, g.ID, "fox"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	plain, err := st.CreateRequest(ctx, "fox", "q", "", store.VariantNone)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	paused, err := st.CreateRequest(ctx, "fox", "hold", "", store.VariantPause)
	if err != nil {
		t.Fatalf("create pause request: %v", err)
	}

	ids, err := st.GroupPendingRequestIDs(ctx, g.ID)
	if err != nil {
		t.Fatalf("pending ids: %v", err)
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	// A group broadcast resumes paused members too.
	if !found[plain] || !found[paused] {
		t.Fatalf("pending ids = %v, want both %s and %s", ids, plain, paused)
	}

	// The console badge count excludes pause confirmations.
	counts, err := st.GroupPendingCounts(ctx)
	if err != nil {
		t.Fatalf("pending counts: %v", err)
	}
	if counts[g.ID] != 1 {
		t.Fatalf("count = %d, want 1", counts[g.ID])
	}
}

func TestMeta_ArchiveHidesGroupFromList(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	g, err := st.CreateGroup(ctx, "pack")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := st.SetConversationArchived(ctx, store.ConvGroup, g.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	visible, err := st.ListGroups(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("archived group still listed: %+v", visible)
	}
	all, err := st.ListGroups(ctx, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("includeArchived list = %+v", all)
	}

	meta, err := st.ConversationMetaFor(ctx, store.ConvGroup, g.ID)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if !meta.Archived || meta.ArchivedAt == nil {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestMeta_PinOrderFollowsLastPin(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if err := st.PinConversation(ctx, store.ConvAgent, "fox", "inbox"); err != nil {
		t.Fatalf("pin fox: %v", err)
	}
	if err := st.PinConversation(ctx, store.ConvAgent, "owl", "inbox"); err != nil {
		t.Fatalf("pin owl: %v", err)
	}
	// Re-pinning moves a conversation to the end of the pin order.
	if err := st.PinConversation(ctx, store.ConvAgent, "fox", "inbox"); err != nil {
		t.Fatalf("repin fox: %v", err)
	}

	pinned, err := st.PinnedConversations(ctx, "inbox")
	if err != nil {
		t.Fatalf("pinned: %v", err)
	}
	if len(pinned) != 2 || pinned[0] != "agent:owl" || pinned[1] != "agent:fox" {
		t.Fatalf("pinned = %v", pinned)
	}

	if err := st.UnpinConversation(ctx, store.ConvAgent, "owl", "inbox"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	pinned, err = st.PinnedConversations(ctx, "inbox")
	if err != nil {
		t.Fatalf("pinned: %v", err)
	}
	if len(pinned) != 1 || pinned[0] != "agent:fox" {
		t.Fatalf("pinned after unpin = %v", pinned)
	}
}

func TestAgents_EnvAndDisplayName(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	none, err := st.AgentEnvFor(ctx, "fox")
	if err != nil {
		t.Fatalf("env before join: %v", err)
	}
	if none != nil {
		t.Fatalf("env before join = %+v, want nil", none)
	}

	env := store.AgentEnv{AgentID: "fox", AgentRuntime: "claude_code", ProjectDir: "/w", AgentTerminal: "zsh"}
	if err := st.RegisterAgentEnv(ctx, env); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.ProjectDir = "/elsewhere"
	if err := st.RegisterAgentEnv(ctx, env); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	got, err := st.AgentEnvFor(ctx, "fox")
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if got == nil || got.ProjectDir != "/elsewhere" || got.AgentRuntime != "claude_code" {
		t.Fatalf("env = %+v", got)
	}

	name, err := st.AgentDisplayName(ctx, "fox")
	if err != nil {
		t.Fatalf("display name: %v", err)
	}
	if name != "fox" {
		t.Fatalf("default display name = %q, want the agent id", name)
	}
	if err := st.SetAgentDisplayName(ctx, "fox", "Fox the Builder"); err != nil {
		t.Fatalf("set display name: %v", err)
	}
	name, err = st.AgentDisplayName(ctx, "fox")
	if err != nil {
		t.Fatalf("display name: %v", err)
	}
	if name != "Fox the Builder" {
		t.Fatalf("display name = %q", name)
	}
}
