package cmd

import (
	"log"

	"github.com/KyleMinter/mini-bot/minibot"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and (optionally) the maintenance API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := minibot.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}
			bot.SetReloadConfigFunc(reloadConfig)

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
