// Package prodibot implements a Discord reminder and accountability bot.
//
// Users schedule reminders with prefix commands (!remindme, !remindat, ...).
// When a reminder comes due, the bot sends it by direct message and opens a
// follow-up for that user. Replies are classified by an OpenAI model as done
// or not done. Users who aren't done are snoozed and nudged again later, and
// users who stop replying are nudged on a fixed interval until the follow-up
// despawns.
//
// Main components:
//
//   - Prodibot: owns the lifecycle of everything below.
//   - Discord: gateway session, prefix command routing and DM handling.
//   - OpenAI: reply classification and accountability chat.
//   - Scheduler: the reminder sweep and the follow-up sweep.
//   - API: an authenticated admin API for reminders, follow-ups and
//     runtime configuration.
//
// Reminders, follow-ups and the runtime configuration are persisted with
// gorm, backed by either SQLite or PostgreSQL.
package prodibot
