package bot

import (
	"fmt"
	"strings"
)

func subscribeMessage(name, tier string) string {
	if tier != "" {
		return fmt.Sprintf("💜 **%s** just subscribed (%s)! Thank you!", name, tier)
	}
	return fmt.Sprintf("💜 **%s** just subscribed! Thank you!", name)
}

func resubMessage(name, tier string, months int, streak *int, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💜 **%s** resubscribed", name)
	if tier != "" {
		fmt.Fprintf(&b, " (%s)", tier)
	}
	if months > 1 {
		fmt.Fprintf(&b, " for **%d months**", months)
	}
	if streak != nil && *streak > 1 {
		fmt.Fprintf(&b, ", %d in a row", *streak)
	}
	b.WriteString("!")
	if text = strings.TrimSpace(text); text != "" {
		fmt.Fprintf(&b, "\n> %s", text)
	}
	return b.String()
}

func giftMessage(name, tier string, total int, cumulative *int) string {
	total = max(total, 1)
	noun := "sub"
	if total > 1 {
		noun = "subs"
	}
	msg := fmt.Sprintf("🎁 **%s** gifted %d %s", name, total, noun)
	if tier != "" {
		msg += " (" + tier + ")"
	}
	msg += "!"
	if cumulative != nil && *cumulative > total {
		msg += fmt.Sprintf(" That's %d gifts in total.", *cumulative)
	}
	return msg
}

var welcomeLines = []string{
	"🎉 Welcome <@%s>! Buckle up, the trip starts now 🚀",
	"👋 Look who just arrived... <@%s> enters the legend ✨",
	"🎊 <@%s> spawned on the server! Let the party begin!",
	"🎮 <@%s> just dropped into the lobby. Ready? GO!",
	"🍕 A hungry new member just showed up: <@%s>. Make yourself at home!",
}

func welcomePublicMessage(userID string, pick int) string {
	return fmt.Sprintf(welcomeLines[pick%len(welcomeLines)], userID)
}

func welcomeDirectMessage(name, siteURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👋 Hey %s, welcome aboard! 🎉", name)
	if siteURL != "" {
		fmt.Fprintf(&b, "\n🚀 Start exploring from the community hub: %s", siteURL)
	}
	b.WriteString("\n🔧 Need help? Just ask a moderator.")
	return b.String()
}
