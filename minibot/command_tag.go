package minibot

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

func (b *Bot) handleTagGet(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := b.Settings()
	opts := discordInteractionOptions(i)
	name := opts[tagNameOption].StringValue()

	tag, err := b.tags.Get(ctx, name, i.GuildID, settings.SharedTags())
	switch {
	case err == nil:
		b.interactionReply(ctx, i, tag.Content)
	case errors.Is(err, ErrNotFound):
		b.interactionReply(
			ctx,
			i,
			fmt.Sprintf("No tags with name '%s' found!", name),
		)
	default:
		b.logger.ErrorContext(ctx, "tag get failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
	}
}

func (b *Bot) handleTagAdd(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := b.Settings()
	opts := discordInteractionOptions(i)
	name := opts[tagNameOption].StringValue()
	content := opts[tagContentOption].StringValue()
	user := getDiscordUser(i)

	_, err := b.tags.Add(
		ctx,
		name,
		i.GuildID,
		user.ID,
		content,
		settings.SharedTags(),
	)
	switch {
	case err == nil:
		b.interactionReply(ctx, i, fmt.Sprintf("Created tag: '%s'", name))
	case errors.Is(err, ErrTagExists):
		b.interactionReply(ctx, i, "Tag with that name already exists!")
	default:
		b.logger.ErrorContext(ctx, "tag add failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
	}
}

func (b *Bot) handleTagDelete(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := b.Settings()
	opts := discordInteractionOptions(i)
	name := opts[tagNameOption].StringValue()
	user := getDiscordUser(i)

	_, err := b.tags.Delete(
		ctx,
		name,
		i.GuildID,
		user.ID,
		settings.OwnerID,
		settings.SharedTags(),
	)
	switch {
	case err == nil:
		b.interactionReply(ctx, i, fmt.Sprintf("Deleted tag '%s'", name))
	case errors.Is(err, ErrNotFound):
		b.interactionReply(
			ctx,
			i,
			fmt.Sprintf("No tags with name '%s' found!", name),
		)
	case errors.Is(err, ErrForbidden):
		b.interactionReply(
			ctx,
			i,
			"This tag can only be deleted by it's author or the bot owner!",
		)
	default:
		b.logger.ErrorContext(ctx, "tag delete failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
	}
}

// tagInfoEmbed renders a tag's metadata the way /tag_info and /tag_all
// display it.
func tagInfoEmbed(tag Tag) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: fmt.Sprintf("Name: %s", tag.Name),
				Value: fmt.Sprintf(
					"Author: <@%s>\nDate Created: %s\nTimes Used: %d\nContent: %s",
					tag.AuthorID,
					tag.Date,
					tag.AmountUsed,
					tag.Content,
				),
			},
		},
	}
}

func (b *Bot) handleTagInfo(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := b.Settings()
	opts := discordInteractionOptions(i)
	name := opts[tagNameOption].StringValue()

	tag, err := b.tags.Info(ctx, name, i.GuildID, settings.SharedTags())
	switch {
	case err == nil:
		b.interactionReplyEmbeds(ctx, i, tagInfoEmbed(*tag))
	case errors.Is(err, ErrNotFound):
		b.interactionReply(
			ctx,
			i,
			fmt.Sprintf("No tag with name '%s' found!", name),
		)
	default:
		b.logger.ErrorContext(ctx, "tag info failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
	}
}

func (b *Bot) handleTagAll(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := b.Settings()

	tags, err := b.tags.ListAll(ctx, i.GuildID, settings.SharedTags())
	if err != nil {
		b.logger.ErrorContext(ctx, "tag list failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
		return
	}
	if len(tags) == 0 {
		b.interactionReply(ctx, i, "There are no tags yet!")
		return
	}

	embeds := make([]*discordgo.MessageEmbed, 0, len(tags))
	for _, tag := range tags {
		embeds = append(embeds, tagInfoEmbed(tag))
	}

	// Discord caps embeds at 10 per message, so longer lists are split
	// into an initial response plus follow-up channel messages.
	pages := chunkItems(10, embeds...)
	b.interactionReplyEmbeds(ctx, i, pages[0]...)
	for _, page := range pages[1:] {
		if _, sendErr := b.discord.session.ChannelMessageSendEmbeds(
			i.ChannelID,
			page,
		); sendErr != nil {
			b.logger.ErrorContext(
				ctx,
				"error sending tag list page",
				tint.Err(sendErr),
			)
			return
		}
	}
}

func (b *Bot) handleTagRandom(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := b.Settings()

	tag, err := b.tags.Random(ctx, i.GuildID, settings.SharedTags())
	switch {
	case err == nil:
		b.interactionReply(ctx, i, tag.Content)
	case errors.Is(err, ErrNotFound):
		b.interactionReply(ctx, i, "There are no tags saved to the database.")
	default:
		b.logger.ErrorContext(ctx, "tag random failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
	}
}

func (b *Bot) handleTagClear(
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
	var authorID string
	var guildID string
	if opt, ok := opts[userIDOption]; ok {
		authorID = opt.StringValue()
	}
	if opt, ok := opts[guildIDOption]; ok {
		guildID = opt.StringValue()
	}

	if _, err := b.tags.ClearWhere(ctx, authorID, guildID); err != nil {
		b.logger.ErrorContext(ctx, "tag clear failed", tint.Err(err))
		b.interactionReply(ctx, i, replyStoreUnavailable)
		return
	}
	b.interactionReply(
		ctx,
		i,
		"Cleared tags from database with specified conditions.",
	)
}
