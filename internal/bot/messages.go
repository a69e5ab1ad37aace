package bot

import (
	"fmt"
	"html"
	"time"

	"github.com/ssd-technologies/vaultrelay/internal/broadcast"
	"github.com/ssd-technologies/vaultrelay/internal/platform"
	"github.com/ssd-technologies/vaultrelay/internal/vault"
)

// Reply texts. Messages are sent with HTML parse mode.
const (
	msgNotFound        = "❌ <b>Error:</b> File not found."
	msgRevoked         = "🔒 <b>Error:</b> File link is revoked."
	msgContentGone     = "❌ <b>Telegram Error:</b> File deleted/expired."
	msgSendFailed      = "❌ Failed to send file."
	msgLookupFailed    = "❌ Something went wrong. Try again later."
	msgProcessing      = "⏳ <b>Processing...</b>"
	msgUnknownMedia    = "❌ Unknown media."
	msgSaveFailed      = "❌ Error saving file."
	msgStatsFailed     = "❌ Could not load stats."
	msgReplyToCast     = "⚠️ Reply to a message to broadcast."
	msgBroadcasting    = "📢 <b>Broadcasting...</b>"
	msgBroadcastBusy   = "⚠️ A broadcast is already running."
	msgBroadcastFailed = "❌ Broadcast failed: could not read the recipient list."
	msgHint            = "Send me a file link to get your file."
)

func welcomeText(firstName string) string {
	return fmt.Sprintf("👋 <b>Hello %s!</b>\n\n"+
		"I am a secure file vault.\n"+
		"Send me a link to get your file.", html.EscapeString(firstName))
}

func uploadText(isNew bool, kind platform.MediaKind, link string) string {
	head := "ℹ️ <b>File Exists</b>"
	if isNew {
		head = "✅ <b>New File</b>"
	}
	return fmt.Sprintf("%s\n\n📂 Type: %s\n🔗 Link:\n<code>%s</code>", head, kind, html.EscapeString(link))
}

func statsText(s vault.Stats) string {
	return fmt.Sprintf("📊 <b>Stats</b>\n\n👥 Users: %d\n📂 Files: %d\n⬇️ Downloads: %d",
		s.Users, s.Files, s.Downloads)
}

func broadcastText(r broadcast.Result) string {
	return fmt.Sprintf("✅ <b>Done</b>\nSent: %d\nFailed/Blocked: %d\nTook: %s",
		r.Sent, r.Failed, r.Elapsed.Round(time.Second))
}
