package main

import "github.com/KyleMinter/mini-bot/cmd"

func main() {
	cmd.Execute()
}
