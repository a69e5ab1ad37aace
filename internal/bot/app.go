// Package bot routes inbound platform messages to the vault, the access
// tracker and the broadcast dispatcher. All collaborators are injected
// through Deps; the package keeps no global state.
package bot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssd-technologies/vaultrelay/internal/broadcast"
	"github.com/ssd-technologies/vaultrelay/internal/events"
	"github.com/ssd-technologies/vaultrelay/internal/platform"
	"github.com/ssd-technologies/vaultrelay/internal/storage"
	"github.com/ssd-technologies/vaultrelay/internal/vault"
)

// ErrUnrecognizedAttachment is reported for uploads without a usable media item.
var ErrUnrecognizedAttachment = errors.New("bot: unrecognized attachment")

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vaultrelay_inbound_messages_total",
	Help: "Inbound messages by route.",
}, []string{"route"})

// Vault is the file store used by the handlers.
type Vault interface {
	Put(ctx context.Context, u vault.Upload) (string, bool, error)
	Resolve(ctx context.Context, code string) (*storage.FileRecord, error)
	RecordDownload(ctx context.Context, code string) error
	Stats(ctx context.Context) (vault.Stats, error)
	Link(code string) string
}

// Tracker registers users on first contact.
type Tracker interface {
	Track(ctx context.Context, userID int64) error
}

// Throttle decides whether a sender's free-text message is processed.
type Throttle interface {
	Allow(sender int64) bool
}

// Broadcaster fans a message out to every recipient.
type Broadcaster interface {
	Run(ctx context.Context, relay broadcast.RelayFunc) (broadcast.Result, error)
}

// Deps are the collaborators of an App.
type Deps struct {
	Vault       Vault
	Tracker     Tracker
	Throttle    Throttle
	Broadcaster Broadcaster
	Sender      platform.Sender
	Events      *events.Hub
	AdminID     int64
	Logger      *slog.Logger
}

// App is the application context shared by all handlers.
type App struct {
	vault       Vault
	tracker     Tracker
	throttle    Throttle
	broadcaster Broadcaster
	sender      platform.Sender
	hub         *events.Hub
	adminID     int64
	logger      *slog.Logger
}

// New builds an App from its dependencies.
func New(d Deps) *App {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		vault:       d.Vault,
		tracker:     d.Tracker,
		throttle:    d.Throttle,
		broadcaster: d.Broadcaster,
		sender:      d.Sender,
		hub:         d.Events,
		adminID:     d.AdminID,
		logger:      logger.With("component", "bot"),
	}
}

func (a *App) isAdmin(msg *platform.Message) bool {
	return msg.SenderID == a.adminID
}

// Handle processes one inbound message. It never returns an error: every
// failure becomes a short reply or a log line.
//
// Senders are registered on every route. Free text registers only once it
// passes the throttle, so a flood never reaches storage.
func (a *App) Handle(ctx context.Context, msg *platform.Message) {
	route := routeOf(msg)
	messagesTotal.WithLabelValues(route).Inc()
	if route != "text" {
		a.track(ctx, msg.SenderID)
	}

	switch route {
	case "start":
		a.handleStart(ctx, msg)
	case "upload":
		a.handleUpload(ctx, msg)
	case "stats":
		a.handleStats(ctx, msg)
	case "broadcast":
		a.handleBroadcast(ctx, msg)
	default:
		a.handleText(ctx, msg)
	}
}

func routeOf(msg *platform.Message) string {
	switch {
	case msg.Command == "start":
		return "start"
	case msg.Media != nil:
		return "upload"
	case msg.Command == "stats", msg.Command == "broadcast":
		return msg.Command
	default:
		return "text"
	}
}

func (a *App) track(ctx context.Context, userID int64) {
	if err := a.tracker.Track(ctx, userID); err != nil {
		a.logger.Warn("track user", "user_id", userID, "error", err)
	}
}

// reply sends text to chatID, logging failures.
func (a *App) reply(ctx context.Context, chatID int64, text string) platform.MessageRef {
	ref, err := a.sender.SendText(ctx, chatID, text)
	if err != nil {
		a.logger.Warn("send reply", "chat_id", chatID, "error", err)
	}
	return ref
}

// update edits a status message, or sends text as a new message when the
// status message could not be sent in the first place.
func (a *App) update(ctx context.Context, chatID int64, status platform.MessageRef, text string) {
	if status.MessageID == 0 {
		a.reply(ctx, chatID, text)
		return
	}
	if err := a.sender.EditText(ctx, status, text); err != nil {
		a.logger.Warn("edit status", "chat_id", chatID, "error", err)
	}
}
