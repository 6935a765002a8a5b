package minibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names registered with Discord.
const (
	DiscordSlashCommandAbout     = "about"
	DiscordSlashCommandInvite    = "invite"
	DiscordSlashCommandCoinflip  = "coinflip"
	DiscordSlashCommandCringe    = "cringe"
	DiscordSlashCommandEightBall = "8ball"

	DiscordSlashCommandTagGet    = "tag_get"
	DiscordSlashCommandTagAdd    = "tag_add"
	DiscordSlashCommandTagDelete = "tag_delete"
	DiscordSlashCommandTagInfo   = "tag_info"
	DiscordSlashCommandTagAll    = "tag_all"
	DiscordSlashCommandTagRandom = "tag_random"
	DiscordSlashCommandTagClear  = "tag_clear"

	DiscordSlashCommandTimezoneSet    = "timezone_set"
	DiscordSlashCommandTimezoneGet    = "timezone_get"
	DiscordSlashCommandTimezoneRemove = "timezone_remove"
	DiscordSlashCommandTimezoneList   = "timezone_list"
	DiscordSlashCommandTimezoneClear  = "timezone_clear"

	DiscordSlashCommandReload = "reload"
)

// Option names shared by multiple commands.
const (
	tagNameOption    = "name"
	tagContentOption = "content"
	cityOption       = "city"
	questionOption   = "question"
	userIDOption     = "userid"
	guildIDOption    = "guildid"

	// discordMemberPageSize is the max page size for guild member listing
	discordMemberPageSize = 1000

	// discordGuildPageSize is the max page size for the bot's guild listing
	discordGuildPageSize = 200
)

// Discord manages the gateway session, slash command registration, and the
// live membership view the reconciler consumes.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *Bot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, errors.New("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// registerCommands overwrites the bot's slash commands. In testing mode,
// commands are registered to the testing guild only, so changes propagate
// immediately; otherwise they are registered globally.
func (d *Discord) registerCommands() error {
	guildID := ""
	if d.config.TestingModeEnabled {
		guildID = d.config.TestingGuildID
	}
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		guildID,
		d.appCommands(),
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	for _, cmd := range registered {
		d.logger.Info(
			"registered command",
			"name", cmd.Name,
			"id", cmd.ID,
			"guild_id", guildID,
		)
	}
	return nil
}

// appCommands returns the full slash command surface.
func (*Discord) appCommands() []*discordgo.ApplicationCommand {
	nameOpt := func(desc string) *discordgo.ApplicationCommandOption {
		minLength := 1
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        tagNameOption,
			Description: desc,
			Required:    true,
			MinLength:   &minLength,
		}
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandAbout,
			Description: "Show information about this bot",
		},
		{
			Name:        DiscordSlashCommandInvite,
			Description: "Get an invite link for this bot",
		},
		{
			Name:        DiscordSlashCommandCoinflip,
			Description: "Flip a coin and see the results",
		},
		{
			Name:        DiscordSlashCommandCringe,
			Description: "Get a percentage of how cringe you are",
		},
		{
			Name:        DiscordSlashCommandEightBall,
			Description: "Get a response from the 8ball",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        questionOption,
					Description: "An optional argument to ask the 8ball",
					Required:    false,
				},
			},
		},
		{
			Name:        DiscordSlashCommandTagGet,
			Description: "Display a tag's content",
			Options: []*discordgo.ApplicationCommandOption{
				nameOpt("Name of the tag"),
			},
		},
		{
			Name:        DiscordSlashCommandTagAdd,
			Description: "Create a new tag",
			Options: []*discordgo.ApplicationCommandOption{
				nameOpt("Name of the tag"),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        tagContentOption,
					Description: "Content of the tag",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandTagDelete,
			Description: "Delete a tag you created",
			Options: []*discordgo.ApplicationCommandOption{
				nameOpt("Name of the tag"),
			},
		},
		{
			Name:        DiscordSlashCommandTagInfo,
			Description: "Show a tag's author, creation date and usage count",
			Options: []*discordgo.ApplicationCommandOption{
				nameOpt("Name of the tag"),
			},
		},
		{
			Name:        DiscordSlashCommandTagAll,
			Description: "List every tag",
		},
		{
			Name:        DiscordSlashCommandTagRandom,
			Description: "Display a random tag",
		},
		{
			Name:        DiscordSlashCommandTagClear,
			Description: "Bulk-delete tags (bot owner only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        userIDOption,
					Description: "Only delete tags created by this user ID",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        guildIDOption,
					Description: "Only delete tags from this server ID",
				},
			},
		},
		{
			Name:        DiscordSlashCommandTimezoneSet,
			Description: "Register your timezone by city name",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        cityOption,
					Description: "A city in your timezone",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandTimezoneGet,
			Description: "Show your registered timezone and current local time",
		},
		{
			Name:        DiscordSlashCommandTimezoneRemove,
			Description: "Remove your timezone registration for this server",
		},
		{
			Name:        DiscordSlashCommandTimezoneList,
			Description: "List everyone's current local time in this server",
		},
		{
			Name:        DiscordSlashCommandTimezoneClear,
			Description: "Bulk-delete timezone registrations (bot owner only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        userIDOption,
					Description: "Only delete registrations for this user ID",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        guildIDOption,
					Description: "Only delete registrations from this server ID",
				},
			},
		},
		{
			Name:        DiscordSlashCommandReload,
			Description: "Reload the bot configuration file (bot owner only)",
		},
	}
}

// CurrentGuildIDs returns the IDs of every guild the bot is currently in,
// paging through the guild list.
func (d *Discord) CurrentGuildIDs(ctx context.Context) ([]string, error) {
	var guildIDs []string
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		guilds, err := d.session.UserGuilds(
			discordGuildPageSize,
			"",
			afterID,
			false,
		)
		if err != nil {
			return nil, fmt.Errorf("error listing guilds: %w", err)
		}
		for _, g := range guilds {
			guildIDs = append(guildIDs, g.ID)
		}
		if len(guilds) < discordGuildPageSize {
			return guildIDs, nil
		}
		afterID = guilds[len(guilds)-1].ID
	}
}

// CurrentMemberIDs returns the user IDs of every member of the given
// guild, paging through the member list.
func (d *Discord) CurrentMemberIDs(
	ctx context.Context,
	guildID string,
) ([]string, error) {
	var memberIDs []string
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		members, err := d.session.GuildMembers(
			guildID,
			afterID,
			discordMemberPageSize,
		)
		if err != nil {
			return nil, fmt.Errorf(
				"error listing members for guild %s: %w",
				guildID,
				err,
			)
		}
		for _, m := range members {
			if m.User != nil {
				memberIDs = append(memberIDs, m.User.ID)
			}
		}
		if len(members) < discordMemberPageSize {
			return memberIDs, nil
		}
		afterID = members[len(members)-1].User.ID
	}
}

// IsUserVisibleInAnyGuild reports whether the given user is still a member
// of at least one guild the bot can see.
func (d *Discord) IsUserVisibleInAnyGuild(
	ctx context.Context,
	userID string,
) (bool, error) {
	guildIDs, err := d.CurrentGuildIDs(ctx)
	if err != nil {
		return false, err
	}
	for _, guildID := range guildIDs {
		if err = ctx.Err(); err != nil {
			return false, err
		}
		member, memberErr := d.session.GuildMember(guildID, userID)
		if memberErr != nil {
			if isUnknownMemberError(memberErr) {
				continue
			}
			return false, fmt.Errorf(
				"error checking member %s in guild %s: %w",
				userID,
				guildID,
				memberErr,
			)
		}
		if member != nil {
			return true, nil
		}
	}
	return false, nil
}

// isUnknownMemberError distinguishes "user is not in this guild" from
// transport or permission failures.
func isUnknownMemberError(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil &&
		restErr.Message.Code == discordgo.ErrCodeUnknownMember {
		return true
	}
	return restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("Disconnected")
	}
}

func (d *Discord) updateCustomStatus() {
	if d.config.CustomStatus == "" {
		return
	}
	if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
		d.logger.Error("error setting custom status", tint.Err(err))
	}
}

// DiscordSessionHandler wraps the discordgo session operations the bot
// uses, so tests can substitute a stub session.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler registers a gateway event handler, returning a function
	// that removes it
	AddHandler(handler any) func()

	SetLogLevel(lvl slog.Level) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) (createdCommands []*discordgo.ApplicationCommand, err error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbeds(
		channelID string,
		embeds []*discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	UpdateCustomStatus(status string) error

	UserGuilds(
		limit int,
		beforeID string,
		afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)

	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
}

// DiscordSession implements [DiscordSessionHandler] against a real
// discordgo session.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	default:
		return fmt.Errorf("unknown log level: %v", lvl)
	}
	return nil
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) (createdCommands []*discordgo.ApplicationCommand, err error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbeds(
	channelID string,
	embeds []*discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbeds(channelID, embeds, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UserGuilds(
	limit int,
	beforeID string,
	afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}
