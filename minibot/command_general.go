package minibot

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// eightBallResponses are the classic Magic 8-Ball answers.
// Source: https://magic-8ball.com/magic-8-ball-answers/
var eightBallResponses = []string{
	"It is certain",
	"It is decidedly so",
	"Without a doubt",
	"Yes definitely",
	"You may rely on it",
	"As I see it, yes",
	"Most likely",
	"Outlook good",
	"Yes",
	"Signs point to yes",
	"Reply hazy, try again",
	"Ask again later",
	"Better not tell you now",
	"Cannot predict now",
	"Concentrate and ask again",
	"Don't count on it",
	"My reply is no",
	"My sources say no",
	"Outlook not so good",
	"Very doubtful",
}

const replyStoreUnavailable = "Unable to access bot database!"

// interactionReply sends an immediate plain-text response to an
// interaction.
func (b *Bot) interactionReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: content},
		},
	)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
			"interaction", interactionLogAttrs(*i),
		)
	}
}

// interactionReplyEmbeds sends an immediate embed response to an
// interaction.
func (b *Bot) interactionReplyEmbeds(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	embeds ...*discordgo.MessageEmbed,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Embeds: embeds},
		},
	)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
			"interaction", interactionLogAttrs(*i),
		)
	}
}

// interactionDefer acknowledges an interaction so a slower follow-up can be
// delivered with [Bot.interactionEdit].
func (b *Bot) interactionDefer(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error deferring interaction",
			tint.Err(err),
			"interaction", interactionLogAttrs(*i),
		)
	}
	return err
}

// interactionEdit replaces the deferred acknowledgement with the final
// response content.
func (b *Bot) interactionEdit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	_, err := b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
			"interaction", interactionLogAttrs(*i),
		)
	}
}

func (b *Bot) handleAbout(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	embed := &discordgo.MessageEmbed{
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "About",
				Value: "This is a simple discord bot with general commands " +
					"and support for tags.\nThe source code for this bot can " +
					"be found on GitHub " +
					"[here](https://github.com/KyleMinter/mini-bot).",
			},
			{
				Name:  "Author",
				Value: "[Kyle Minter](https://github.com/KyleMinter)",
			},
			{
				Name: "Libraries",
				Value: "This bot utilizes the following Go libraries:\n" +
					"[discordgo](https://github.com/bwmarrin/discordgo)\n" +
					"[GORM](https://gorm.io)",
			},
		},
	}
	b.interactionReplyEmbeds(ctx, i, embed)
}

func (b *Bot) handleInvite(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	inviteURL := b.Settings().InviteURL
	field := &discordgo.MessageEmbedField{Name: "Invite"}
	if inviteURL == "" {
		field.Value = "No invite link was provided by the bot host."
	} else {
		field.Value = fmt.Sprintf(
			"Click [here](%s) to invite this bot to another server!",
			inviteURL,
		)
	}
	b.interactionReplyEmbeds(
		ctx,
		i,
		&discordgo.MessageEmbed{
			Fields: []*discordgo.MessageEmbedField{field},
		},
	)
}

func (b *Bot) handleCoinflip(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if rand.Intn(2) == 0 {
		b.interactionReply(ctx, i, "The coin landed on heads.")
	} else {
		b.interactionReply(ctx, i, "The coin landed on tails.")
	}
}

func (b *Bot) handleCringe(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	b.interactionReply(
		ctx,
		i,
		fmt.Sprintf("You are %d%% cringe.", rand.Intn(101)),
	)
}

func (b *Bot) handleEightBall(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	message := eightBallResponses[rand.Intn(len(eightBallResponses))]
	if question, ok := discordInteractionOptions(i)[questionOption]; ok {
		message = fmt.Sprintf(
			"You asked \"`%s`\"\n8ball: %s",
			question.StringValue(),
			message,
		)
	}
	b.interactionReply(ctx, i, message)
}

// handleReload re-reads the configuration file and notifies any peer bot
// instances sharing the database. Owner only.
func (b *Bot) handleReload(
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
	if b.dbNotifier == nil || !b.dbNotifier.NotifyConfigReload(ctx) {
		b.interactionReply(ctx, i, "Unable to reload the bot configuration!")
		return
	}
	b.interactionReply(ctx, i, "Reloading the bot configuration.")
}
