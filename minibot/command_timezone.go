package minibot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const replyTimezoneNotRegistered = "You have not registered your timezone in this server!"

// handleTimezoneSet geocodes the supplied city via GeoNames and upserts
// the caller's registration. The interaction is deferred first, since the
// two GeoNames round-trips can exceed Discord's 3-second response window.
func (b *Bot) handleTimezoneSet(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if err := b.interactionDefer(ctx, i); err != nil {
		return
	}

	opts := discordInteractionOptions(i)
	city := opts[cityOption].StringValue()
	user := getDiscordUser(i)

	timezone, err := b.geonames.TimezoneForCity(ctx, city)
	switch {
	case err == nil:
	case errors.Is(err, ErrCityNotFound):
		b.interactionEdit(ctx, i, "City name not recognized!")
		return
	case errors.Is(err, ErrConfiguration):
		b.logger.ErrorContext(ctx, "geonames misconfigured", tint.Err(err))
		b.interactionEdit(
			ctx,
			i,
			"Invalid GeoNames API username provided in config! "+
				"This command will not work until the issue is resolved.",
		)
		return
	default:
		b.logger.ErrorContext(ctx, "geonames lookup failed", tint.Err(err))
		b.interactionEdit(ctx, i, "City name not recognized!")
		return
	}

	created, err := b.timezones.Set(ctx, user.ID, i.GuildID, timezone)
	if err != nil {
		b.logger.ErrorContext(ctx, "timezone set failed", tint.Err(err))
		b.interactionEdit(ctx, i, replyStoreUnavailable)
		return
	}
	if created {
		b.interactionEdit(
			ctx,
			i,
			"City found! Registered your timezone for this server.",
		)
	} else {
		b.interactionEdit(
			ctx,
			i,
			"City found! Updated your timezone for this server.",
		)
	}
}

func (b *Bot) handleTimezoneGet(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)

	reg, err := b.timezones.Get(ctx, user.ID, i.GuildID)
	switch {
	case err == nil:
		loc, locErr := time.LoadLocation(reg.Timezone)
		if locErr != nil {
			b.logger.ErrorContext(
				ctx,
				"stored timezone failed to load",
				"timezone", reg.Timezone,
				tint.Err(locErr),
			)
			b.interactionReply(ctx, i, replyTimezoneNotRegistered)
			return
		}
		b.interactionReply(
			ctx,
			i,
			fmt.Sprintf(
				"Your timezone is: `%s`\nThe current time is: `%s`",
				reg.Timezone,
				time.Now().In(loc).Format("15:04"),
			),
		)
	case errors.Is(err, ErrNotFound):
		b.interactionReply(ctx, i, replyTimezoneNotRegistered)
	default:
		b.logger.ErrorContext(ctx, "timezone get failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
	}
}

func (b *Bot) handleTimezoneRemove(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)

	err := b.timezones.Remove(ctx, user.ID, i.GuildID)
	switch {
	case err == nil:
		b.interactionReply(
			ctx,
			i,
			"Your timezone has been removed from this server.",
		)
	case errors.Is(err, ErrNotFound):
		b.interactionReply(ctx, i, replyTimezoneNotRegistered)
	default:
		b.logger.ErrorContext(ctx, "timezone remove failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
	}
}

func (b *Bot) handleTimezoneList(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	regs, err := b.timezones.ListForGuild(ctx, i.GuildID)
	if err != nil {
		b.logger.ErrorContext(ctx, "timezone list failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
		return
	}
	if len(regs) == 0 {
		b.interactionReply(ctx, i, "No users have registered their timezone yet!")
		return
	}

	groups := groupByLocalTime(regs, time.Now(), b.logger)

	var sb strings.Builder
	sb.WriteString("Registered timezones for this server:\n```\n")
	for _, group := range groups {
		names := make([]string, 0, len(group.UserIDs))
		for _, userID := range group.UserIDs {
			names = append(names, b.memberDisplayName(i.GuildID, userID))
		}
		sb.WriteString(
			fmt.Sprintf("%s - [%s]\n", group.Label, strings.Join(names, ", ")),
		)
	}
	sb.WriteString("```")
	b.interactionReply(ctx, i, truncate(sb.String(), discordMaxMessageLength))
}

// memberDisplayName resolves a guild member's display name, falling back
// to the raw user ID for users the bot can no longer see.
func (b *Bot) memberDisplayName(guildID string, userID string) string {
	member, err := b.discord.session.GuildMember(guildID, userID)
	if err != nil || member == nil || member.User == nil {
		return fmt.Sprintf("User ID: %s", userID)
	}
	if member.Nick != "" {
		return member.Nick
	}
	if member.User.GlobalName != "" {
		return member.User.GlobalName
	}
	return member.User.Username
}

func (b *Bot) handleTimezoneClear(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := b.Settings()
	user := getDiscordUser(i)
	if settings.OwnerID == "" || user == nil || user.ID != settings.OwnerID {
		b.interactionReply(
			ctx,
			i,
			"You are not specified as an owner in the config!",
		)
		return
	}

	opts := discordInteractionOptions(i)
	var userID string
	var guildID string
	if opt, ok := opts[userIDOption]; ok {
		userID = opt.StringValue()
	}
	if opt, ok := opts[guildIDOption]; ok {
		guildID = opt.StringValue()
	}

	if _, err := b.timezones.ClearWhere(ctx, userID, guildID); err != nil {
		b.logger.ErrorContext(ctx, "timezone clear failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
		return
	}
	b.interactionReply(
		ctx,
		i,
		"Cleared timezone registrations from database with specified conditions.",
	)
}
