package minibot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSession implements [DiscordSessionHandler] in-memory, recording the
// responses handlers send.
type stubSession struct {
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit

	// replies interleaves response and edit content in arrival order
	replies []string

	channelMessages []string
	channelEmbeds   [][]*discordgo.MessageEmbed
	deletedMessages []string
	members         map[string]*discordgo.Member
}

func (s *stubSession) Open() error  { return nil }
func (s *stubSession) Close() error { return nil }

func (s *stubSession) AddHandler(_ any) func() { return func() {} }

func (s *stubSession) SetLogLevel(_ slog.Level) error { return nil }

func (s *stubSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (s *stubSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	s.responses = append(s.responses, resp)
	if resp.Data != nil && resp.Data.Content != "" {
		s.replies = append(s.replies, resp.Data.Content)
	}
	return nil
}

func (s *stubSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.edits = append(s.edits, newresp)
	if newresp.Content != nil {
		s.replies = append(s.replies, *newresp.Content)
	}
	return &discordgo.Message{}, nil
}

func (s *stubSession) ChannelMessageSend(
	_ string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.channelMessages = append(s.channelMessages, message)
	return &discordgo.Message{}, nil
}

func (s *stubSession) ChannelMessageSendEmbeds(
	_ string,
	embeds []*discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.channelEmbeds = append(s.channelEmbeds, embeds)
	return &discordgo.Message{}, nil
}

func (s *stubSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	s.deletedMessages = append(
		s.deletedMessages,
		fmt.Sprintf("%s/%s", channelID, messageID),
	)
	return nil
}

func (s *stubSession) UpdateCustomStatus(_ string) error { return nil }

func (s *stubSession) UserGuilds(
	_ int,
	_ string,
	_ string,
	_ bool,
	_ ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return nil, nil
}

func (s *stubSession) GuildMembers(
	_ string,
	_ string,
	_ int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return nil, nil
}

func (s *stubSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	member, ok := s.members[userID]
	if !ok {
		return nil, &discordgo.RESTError{
			Message: &discordgo.APIErrorMessage{
				Code: discordgo.ErrCodeUnknownMember,
			},
		}
	}
	return member, nil
}

// lastReplyContent returns the content of the most recent interaction
// response or edit recorded by the stub.
func (s *stubSession) lastReplyContent(t testing.TB) string {
	t.Helper()
	require.NotEmpty(t, s.replies)
	return s.replies[len(s.replies)-1]
}

func newTestBot(t testing.TB) (*Bot, *stubSession) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OwnerID = "owner-1"

	session := &stubSession{members: map[string]*discordgo.Member{}}
	logger := testLogger(t)
	db := newTestDatabase(t)

	b := &Bot{
		config:   cfg,
		settings: settingsFromConfig(cfg),
		logger:   logger,
		writeDB:  db,
		discord: &Discord{
			config:  cfg.Discord,
			session: session,
			logger:  logger,
		},
		geonames:  NewGeoNamesClient(cfg.GeoNames, http.DefaultClient, logger),
		tags:      NewTagStore(db, logger),
		timezones: NewTimezoneStore(db, logger),
	}
	b.reconciler = NewReconciler(db, &stubMembership{}, logger)
	return b, session
}

func slashCommand(
	name string,
	userID string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild-1",
			ChannelID: "channel-1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: userID},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func stringOption(
	name string,
	value string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func TestHandleTagCommands(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagAdd,
			"user-1",
			stringOption(tagNameOption, "greeting"),
			stringOption(tagContentOption, "hello!"),
		),
	)
	assert.Equal(t, "Created tag: 'greeting'", session.lastReplyContent(t))

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagAdd,
			"user-2",
			stringOption(tagNameOption, "greeting"),
			stringOption(tagContentOption, "hi!"),
		),
	)
	assert.Equal(t, "Tag with that name already exists!", session.lastReplyContent(t))

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagGet,
			"user-2",
			stringOption(tagNameOption, "greeting"),
		),
	)
	assert.Equal(t, "hello!", session.lastReplyContent(t))

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagGet,
			"user-2",
			stringOption(tagNameOption, "missing"),
		),
	)
	assert.Equal(
		t,
		"No tags with name 'missing' found!",
		session.lastReplyContent(t),
	)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagDelete,
			"user-2",
			stringOption(tagNameOption, "greeting"),
		),
	)
	assert.Equal(
		t,
		"This tag can only be deleted by it's author or the bot owner!",
		session.lastReplyContent(t),
	)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagDelete,
			"owner-1",
			stringOption(tagNameOption, "greeting"),
		),
	)
	assert.Equal(t, "Deleted tag 'greeting'", session.lastReplyContent(t))

	assert.Equal(t, int64(6), b.metricInteractionsHandled.Load())
}

func TestHandleTagInfo(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagInfo,
			"user-1",
			stringOption(tagNameOption, "missing"),
		),
	)
	assert.Equal(
		t,
		"No tag with name 'missing' found!",
		session.lastReplyContent(t),
	)

	_, err := b.tags.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagInfo,
			"user-1",
			stringOption(tagNameOption, "greeting"),
		),
	)
	resp := session.responses[len(session.responses)-1]
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Name: greeting", resp.Data.Embeds[0].Fields[0].Name)
	assert.Contains(t, resp.Data.Embeds[0].Fields[0].Value, "Author: <@user-1>")
	assert.Contains(t, resp.Data.Embeds[0].Fields[0].Value, "Content: hello!")
}

func TestHandleTagAllEmpty(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandTagAll, "user-1"))
	assert.Equal(t, "There are no tags yet!", session.lastReplyContent(t))
}

func TestHandleTagClearOwnerOnly(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	_, err := b.tags.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)

	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTagClear, "user-1"),
	)
	assert.Equal(
		t,
		"You are not specified as an owner in the config!",
		session.lastReplyContent(t),
	)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTagClear,
			"owner-1",
			stringOption(userIDOption, "user-1"),
		),
	)
	assert.Equal(
		t,
		"Cleared tags from database with specified conditions.",
		session.lastReplyContent(t),
	)

	tags, err := b.tags.ListAll(ctx, "", true)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestHandleTimezoneCommands(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	server := newTestGeoNamesServer(t)
	b.geonames = newTestGeoNamesClient(t, server.URL)

	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTimezoneGet, "user-1"),
	)
	assert.Equal(t, replyTimezoneNotRegistered, session.lastReplyContent(t))

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTimezoneSet,
			"user-1",
			stringOption(cityOption, "Tokyo"),
		),
	)
	assert.Equal(
		t,
		"City found! Registered your timezone for this server.",
		session.lastReplyContent(t),
	)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTimezoneSet,
			"user-1",
			stringOption(cityOption, "Tokyo"),
		),
	)
	assert.Equal(
		t,
		"City found! Updated your timezone for this server.",
		session.lastReplyContent(t),
	)

	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTimezoneSet,
			"user-1",
			stringOption(cityOption, "Atlantis"),
		),
	)
	assert.Equal(t, "City name not recognized!", session.lastReplyContent(t))

	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTimezoneGet, "user-1"),
	)
	assert.Contains(t, session.lastReplyContent(t), "Your timezone is: `Asia/Tokyo`")

	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTimezoneRemove, "user-1"),
	)
	assert.Equal(
		t,
		"Your timezone has been removed from this server.",
		session.lastReplyContent(t),
	)

	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTimezoneRemove, "user-1"),
	)
	assert.Equal(t, replyTimezoneNotRegistered, session.lastReplyContent(t))
}

func TestHandleTimezoneSetNoUsername(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	// DefaultConfig has no GeoNames username
	b.handleInteraction(
		ctx, slashCommand(
			DiscordSlashCommandTimezoneSet,
			"user-1",
			stringOption(cityOption, "Tokyo"),
		),
	)
	assert.Contains(
		t,
		session.lastReplyContent(t),
		"Invalid GeoNames API username provided in config!",
	)
}

func TestHandleTimezoneList(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTimezoneList, "user-1"),
	)
	assert.Equal(
		t,
		"No users have registered their timezone yet!",
		session.lastReplyContent(t),
	)

	_, err := b.timezones.Set(ctx, "user-1", "guild-1", "UTC")
	require.NoError(t, err)
	session.members["user-1"] = &discordgo.Member{
		Nick: "Nickname",
		User: &discordgo.User{ID: "user-1", Username: "user-1"},
	}

	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTimezoneList, "user-1"),
	)
	reply := session.lastReplyContent(t)
	assert.Contains(t, reply, "Registered timezones for this server:")
	assert.Contains(t, reply, "Nickname")

	// users the bot can no longer see fall back to their raw ID
	_, err = b.timezones.Set(ctx, "user-2", "guild-1", "UTC")
	require.NoError(t, err)
	b.handleInteraction(
		ctx, slashCommand(DiscordSlashCommandTimezoneList, "user-1"),
	)
	assert.Contains(t, session.lastReplyContent(t), "User ID: user-2")
}

func TestHandleGeneralCommands(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandCoinflip, "user-1"))
	assert.Contains(
		t,
		[]string{"The coin landed on heads.", "The coin landed on tails."},
		session.lastReplyContent(t),
	)

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandEightBall, "user-1"))
	assert.Contains(t, eightBallResponses, session.lastReplyContent(t))

	b.handleInteraction(
		ctx,
		slashCommand(
			DiscordSlashCommandEightBall,
			"user-1",
			stringOption(questionOption, "will it rain?"),
		),
	)
	reply := session.lastReplyContent(t)
	assert.True(
		t,
		strings.HasPrefix(reply, "You asked \"`will it rain?`\"\n8ball: "),
		"unexpected reply: %q", reply,
	)
	assert.Contains(
		t,
		eightBallResponses,
		strings.TrimPrefix(reply, "You asked \"`will it rain?`\"\n8ball: "),
	)

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandCringe, "user-1"))
	assert.Regexp(t, `^You are \d+% cringe\.$`, session.lastReplyContent(t))

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandAbout, "user-1"))
	resp := session.responses[len(session.responses)-1]
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "About", resp.Data.Embeds[0].Fields[0].Name)
}

func TestHandleInvite(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandInvite, "user-1"))
	resp := session.responses[len(session.responses)-1]
	assert.Equal(
		t,
		"No invite link was provided by the bot host.",
		resp.Data.Embeds[0].Fields[0].Value,
	)

	b.config.InviteURL = "https://example.com/invite"
	b.setSettings(settingsFromConfig(b.config))

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandInvite, "user-1"))
	resp = session.responses[len(session.responses)-1]
	assert.Contains(t, resp.Data.Embeds[0].Fields[0].Value, "https://example.com/invite")
}

func TestHandleReload(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)
	notifier := &stubNotifier{}
	b.dbNotifier = notifier

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandReload, "user-1"))
	assert.Equal(
		t,
		"You are not specified as an owner in the config!",
		session.lastReplyContent(t),
	)
	assert.Zero(t, notifier.reloads)

	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandReload, "owner-1"))
	assert.Equal(t, "Reloading the bot configuration.", session.lastReplyContent(t))
	assert.Equal(t, 1, notifier.reloads)

	notifier.fail = true
	b.handleInteraction(ctx, slashCommand(DiscordSlashCommandReload, "owner-1"))
	assert.Equal(
		t,
		"Unable to reload the bot configuration!",
		session.lastReplyContent(t),
	)
}

func TestCheckMessageBlacklist(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)
	b.config.Blacklist = []string{"badword"}
	b.setSettings(settingsFromConfig(b.config))

	b.checkMessageBlacklist(
		ctx, &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "channel-1",
			Content:   "a perfectly fine message",
			Author:    &discordgo.User{ID: "user-1"},
		},
	)
	assert.Empty(t, session.deletedMessages)

	b.checkMessageBlacklist(
		ctx, &discordgo.Message{
			ID:        "msg-2",
			ChannelID: "channel-1",
			Content:   "this contains a badword",
			Author:    &discordgo.User{ID: "user-1"},
		},
	)
	assert.Equal(t, []string{"channel-1/msg-2"}, session.deletedMessages)
	assert.Equal(t, int64(1), b.metricMessagesRemoved.Load())

	// bot-authored messages are never removed
	b.checkMessageBlacklist(
		ctx, &discordgo.Message{
			ID:        "msg-3",
			ChannelID: "channel-1",
			Content:   "this contains a badword",
			Author:    &discordgo.User{ID: "bot-1", Bot: true},
		},
	)
	assert.Len(t, session.deletedMessages, 1)
}
