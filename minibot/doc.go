// Package minibot implements a small general-purpose Discord bot with
// support for user-created tags, per-user timezone registration, and a
// configurable word blacklist.
//
// Key components of the package include:
//
//   - Bot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the Discord gateway session and slash commands.
//   - TagStore / TimezoneStore: Persistence for tags and timezone
//     registrations, backed by GORM (SQLite or PostgreSQL).
//   - Reconciler: Removes stored rows referencing guilds or users the bot
//     can no longer see.
//   - GeoNamesClient: Resolves city names to IANA timezone identifiers.
//   - API: A small localhost HTTP API for health checks and maintenance
//     triggers.
//
// The bot supports the slash commands /tag_get, /tag_add, /tag_delete,
// /tag_info, /tag_all, /tag_random, /tag_clear, /timezone_set,
// /timezone_get, /timezone_remove, /timezone_list, /timezone_clear,
// /about, /invite, /coinflip, /cringe, /8ball and /reload.
package minibot
