// Package chat listens to the broadcaster's Twitch chat over IRC and credits
// emote usage to the activity ledger while the stream is live.
//
// Credentials: with TWITCH_BOT_USERNAME and a stored user token the listener
// authenticates as the bot; otherwise it joins anonymously (read-only).
package chat
