// Package roomkey names the realtime gateway's multicast rooms (§4.5),
// shared by the HTTP control plane, the gateway, and the voice
// coordinator so all three agree on exactly one room-naming scheme.
package roomkey

func User(userID string) string       { return "user:" + userID }
func Guild(guildID string) string     { return "guild:" + guildID }
func Channel(channelID string) string { return "channel:" + channelID }
func Voice(channelID string) string   { return "voice:" + channelID }
