package bot

import (
	"context"
	"errors"
	"strings"

	"github.com/ssd-technologies/vaultrelay/internal/broadcast"
	"github.com/ssd-technologies/vaultrelay/internal/events"
	"github.com/ssd-technologies/vaultrelay/internal/platform"
	"github.com/ssd-technologies/vaultrelay/internal/vault"
)

// handleStart greets the user or, when the command carries a code, delivers
// the stored file.
func (a *App) handleStart(ctx context.Context, msg *platform.Message) {
	fields := strings.Fields(msg.Args)
	if len(fields) == 0 {
		a.reply(ctx, msg.ChatID, welcomeText(msg.SenderName))
		return
	}
	a.deliver(ctx, msg.ChatID, fields[0])
}

// deliver resolves code, sends the file and counts the download.
func (a *App) deliver(ctx context.Context, chatID int64, code string) {
	rec, err := a.vault.Resolve(ctx, code)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		a.reply(ctx, chatID, msgNotFound)
		return
	case errors.Is(err, vault.ErrRevoked):
		a.reply(ctx, chatID, msgRevoked)
		return
	case err != nil:
		a.logger.Error("resolve code", "code", code, "error", err)
		a.reply(ctx, chatID, msgLookupFailed)
		return
	}

	if err := a.sender.SendAction(ctx, chatID, platform.ActionUploadDocument); err != nil {
		a.logger.Debug("send action", "chat_id", chatID, "error", err)
	}

	if err := a.sender.SendMedia(ctx, chatID, rec.Kind, rec.ProviderRef, rec.Caption); err != nil {
		if errors.Is(err, platform.ErrBadRequest) {
			a.logger.Warn("stored file no longer deliverable", "code", code, "error", err)
			a.reply(ctx, chatID, msgContentGone)
			return
		}
		a.logger.Error("send file", "code", code, "error", err)
		a.reply(ctx, chatID, msgSendFailed)
		return
	}

	if err := a.vault.RecordDownload(ctx, code); err != nil {
		a.logger.Error("record download", "code", code, "error", err)
	}
	a.hub.Publish(events.TypeDownload, map[string]any{"kind": string(rec.Kind)})
}

// handleUpload stores an admin attachment and replies with its link.
// Attachments from anyone else are ignored.
func (a *App) handleUpload(ctx context.Context, msg *platform.Message) {
	if !a.isAdmin(msg) {
		return
	}

	status := a.reply(ctx, msg.ChatID, msgProcessing)

	m := msg.Media
	if err := validateUpload(m); err != nil {
		a.logger.Warn("upload rejected", "kind", m.Kind, "error", err)
		a.update(ctx, msg.ChatID, status, msgUnknownMedia)
		return
	}

	code, isNew, err := a.vault.Put(ctx, vault.Upload{
		ProviderRef: m.ProviderRef,
		Fingerprint: m.Fingerprint,
		Kind:        m.Kind,
		Name:        m.Name,
		Caption:     m.Caption,
	})
	if err != nil {
		a.logger.Error("store upload", "error", err)
		a.update(ctx, msg.ChatID, status, msgSaveFailed)
		return
	}

	a.update(ctx, msg.ChatID, status, uploadText(isNew, m.Kind, a.vault.Link(code)))
	a.hub.Publish(events.TypeUpload, map[string]any{"kind": string(m.Kind), "new": isNew})
}

// validateUpload reports ErrUnrecognizedAttachment for media the vault
// cannot store or send back.
func validateUpload(m *platform.Media) error {
	if m == nil || m.Fingerprint == "" || m.ProviderRef == "" || !m.Kind.Valid() {
		return ErrUnrecognizedAttachment
	}
	return nil
}

// handleStats reports aggregate counters to the admin.
func (a *App) handleStats(ctx context.Context, msg *platform.Message) {
	if !a.isAdmin(msg) {
		return
	}
	stats, err := a.vault.Stats(ctx)
	if err != nil {
		a.logger.Error("load stats", "error", err)
		a.reply(ctx, msg.ChatID, msgStatsFailed)
		return
	}
	a.reply(ctx, msg.ChatID, statsText(stats))
}

// handleBroadcast copies the message the admin replied to into every
// recipient's chat.
func (a *App) handleBroadcast(ctx context.Context, msg *platform.Message) {
	if !a.isAdmin(msg) {
		return
	}
	if msg.ReplyTo == nil {
		a.reply(ctx, msg.ChatID, msgReplyToCast)
		return
	}

	status := a.reply(ctx, msg.ChatID, msgBroadcasting)
	src := *msg.ReplyTo
	res, err := a.broadcaster.Run(ctx, func(ctx context.Context, recipient int64) error {
		return a.sender.CopyMessage(ctx, recipient, src)
	})
	switch {
	case errors.Is(err, broadcast.ErrBusy):
		a.update(ctx, msg.ChatID, status, msgBroadcastBusy)
	case err != nil:
		a.logger.Error("broadcast", "error", err)
		a.update(ctx, msg.ChatID, status, msgBroadcastFailed)
	default:
		a.update(ctx, msg.ChatID, status, broadcastText(res))
	}
}

// handleText answers free text with a usage hint. Floods are dropped
// without any reply.
func (a *App) handleText(ctx context.Context, msg *platform.Message) {
	if !a.throttle.Allow(msg.SenderID) {
		return
	}
	a.track(ctx, msg.SenderID)
	a.reply(ctx, msg.ChatID, msgHint)
}
