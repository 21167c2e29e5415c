// Package whatsapp implements session.Transport on top of whatsmeow. Each
// credential directory holds its own device store.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/zulandar/parley/internal/session"
)

// storeFile is the device store inside a credential directory.
const storeFile = "device.db"

// Dialer opens whatsmeow clients.
type Dialer struct {
	LogLevel string // whatsmeow log level: DEBUG, INFO, WARN, ERROR
}

// HasCredentials reports whether a device store exists at credentialPath.
func (d *Dialer) HasCredentials(credentialPath string) bool {
	info, err := os.Stat(filepath.Join(credentialPath, storeFile))
	return err == nil && info.Size() > 0
}

// Dial opens the device store and builds an unconnected client.
func (d *Dialer) Dial(ctx context.Context, credentialPath string) (session.Transport, error) {
	level := d.LogLevel
	if level == "" {
		level = "WARN"
	}
	addr := "file:" + filepath.Join(credentialPath, storeFile) + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", addr, waLog.Stdout("Store", level, false))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open store %s: %w", credentialPath, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("whatsapp: load device %s: %w", credentialPath, err)
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client", level, false))
	// Reconnects are scheduled by the session actor.
	client.EnableAutoReconnect = false

	t := &Transport{
		client:    client,
		container: container,
		events:    make(chan session.Event, 256),
		done:      make(chan struct{}),
	}
	t.handlerID = client.AddEventHandler(t.handleEvent)
	return t, nil
}

// Transport is one whatsmeow client connection.
type Transport struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	handlerID uint32

	mu        sync.Mutex
	events    chan session.Event
	done      chan struct{}
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Events implements session.Transport.
func (t *Transport) Events() <-chan session.Event { return t.events }

// Connect starts the websocket. Unpaired devices receive QR challenges as
// PairingEvents.
func (t *Transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qr, err := t.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		go t.pumpQR(qr)
	}
	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	return nil
}

func (t *Transport) pumpQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case "code":
			t.emit(session.PairingEvent{Challenge: item.Code})
		case "timeout":
			t.emit(session.CloseEvent{Err: fmt.Errorf("whatsapp: pairing timed out")})
		case "error":
			t.emit(session.CloseEvent{Err: fmt.Errorf("whatsapp: pairing: %w", item.Error)})
		}
	}
}

// PairPhone requests a phone-number pairing code.
func (t *Transport) PairPhone(ctx context.Context, phone string) (string, error) {
	code, err := t.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("whatsapp: pair phone: %w", err)
	}
	return code, nil
}

// SendText sends a plain text message.
func (t *Transport) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("whatsapp: send: %w", err)
	}
	return resp.ID, nil
}

// SendMedia uploads an attachment and sends it as the matching message type.
func (t *Transport) SendMedia(ctx context.Context, to string, media session.OutboundMedia) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	up, err := t.client.Upload(ctx, media.Data, mediaType(media.Kind))
	if err != nil {
		return "", fmt.Errorf("whatsapp: upload %s: %w", media.Kind, err)
	}
	resp, err := t.client.SendMessage(ctx, jid, buildMediaMessage(media, up))
	if err != nil {
		return "", fmt.Errorf("whatsapp: send %s: %w", media.Kind, err)
	}
	return resp.ID, nil
}

// Download fetches and decrypts the media of an inbound message.
func (t *Transport) Download(ctx context.Context, msg *session.InboundMessage) ([]byte, error) {
	d, ok := msg.Raw.(whatsmeow.DownloadableMessage)
	if !ok || d == nil {
		return nil, fmt.Errorf("whatsapp: message %s has no downloadable media", msg.ID)
	}
	data, err := t.client.Download(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: download %s: %w", msg.ID, err)
	}
	return data, nil
}

// Logout unlinks the device from the phone.
func (t *Transport) Logout(ctx context.Context) error {
	if err := t.client.Logout(ctx); err != nil {
		return fmt.Errorf("whatsapp: logout: %w", err)
	}
	return nil
}

// Close disconnects the client and closes the event channel.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.client.RemoveEventHandler(t.handlerID)
		t.client.Disconnect()

		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()

		if err := t.container.Close(); err != nil {
			t.closeErr = fmt.Errorf("whatsapp: close store: %w", err)
		}
	})
	return t.closeErr
}

// emit delivers ev unless the transport is closing.
func (t *Transport) emit(ev session.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		var phone string
		if t.client.Store.ID != nil {
			phone = t.client.Store.ID.User
		}
		t.emit(session.OpenEvent{PhoneNumber: phone, DisplayName: t.client.Store.PushName})
	case *events.LoggedOut:
		t.emit(session.CloseEvent{LoggedOut: true, Err: fmt.Errorf("whatsapp: logged out: %v", evt.Reason)})
	case *events.Disconnected:
		t.emit(session.CloseEvent{})
	case *events.StreamReplaced:
		t.emit(session.CloseEvent{Err: fmt.Errorf("whatsapp: stream replaced by another client")})
	// whatsmeow expects the disconnect that follows these, so no
	// Disconnected event is sent after them.
	case *events.ConnectFailure:
		t.emit(session.CloseEvent{Err: fmt.Errorf("whatsapp: connect failure: %v %s", evt.Reason, evt.Message)})
	case *events.TemporaryBan:
		t.emit(session.CloseEvent{Err: fmt.Errorf("whatsapp: temporary ban: %v", evt)})
	case *events.ClientOutdated:
		t.emit(session.CloseEvent{Err: fmt.Errorf("whatsapp: client outdated")})
	case *events.Message:
		t.emit(session.MessageEvent{Message: ToInbound(evt)})
	case *events.Receipt:
		if r, ok := ToReceipt(evt); ok {
			t.emit(r)
		}
	}
}

// ToInbound converts a whatsmeow message event.
func ToInbound(evt *events.Message) *session.InboundMessage {
	msg := &session.InboundMessage{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup || evt.Info.Chat.Server == types.GroupServer,
		Timestamp: evt.Info.Timestamp,
	}
	m := evt.Message
	if m == nil {
		return msg
	}
	switch {
	case m.GetConversation() != "":
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		msg.Text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		msg.Text, msg.MediaKind, msg.MediaMime, msg.Raw = img.GetCaption(), session.MediaImage, img.GetMimetype(), img
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		msg.Text, msg.MediaKind, msg.MediaMime, msg.Raw = vid.GetCaption(), session.MediaVideo, vid.GetMimetype(), vid
	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		msg.MediaKind, msg.MediaMime, msg.Raw = session.MediaAudio, aud.GetMimetype(), aud
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		msg.Text, msg.MediaKind, msg.MediaMime, msg.Raw = doc.GetCaption(), session.MediaDocument, doc.GetMimetype(), doc
		msg.FileName = doc.GetFileName()
	}
	return msg
}

// ToReceipt converts delivery and read receipts. Other receipt types are
// ignored.
func ToReceipt(evt *events.Receipt) (session.ReceiptEvent, bool) {
	var read bool
	switch evt.Type {
	case types.ReceiptTypeDelivered:
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		read = true
	default:
		return session.ReceiptEvent{}, false
	}
	ids := make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		ids[i] = string(id)
	}
	return session.ReceiptEvent{MessageIDs: ids, Read: read, Timestamp: evt.Timestamp}, true
}

// ParseRecipient accepts a full JID or a bare phone number.
func ParseRecipient(to string) (types.JID, error) {
	if !strings.Contains(to, "@") {
		digits := strings.TrimPrefix(strings.TrimSpace(to), "+")
		if digits == "" {
			return types.JID{}, fmt.Errorf("whatsapp: empty recipient")
		}
		return types.NewJID(digits, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("whatsapp: parse recipient %q: %w", to, err)
	}
	return jid, nil
}

func mediaType(kind string) whatsmeow.MediaType {
	switch kind {
	case session.MediaImage:
		return whatsmeow.MediaImage
	case session.MediaVideo:
		return whatsmeow.MediaVideo
	case session.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(media session.OutboundMedia, up whatsmeow.UploadResponse) *waE2E.Message {
	mime := media.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	switch media.Kind {
	case session.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case session.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case session.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			PTT:           proto.Bool(true),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		name := media.FileName
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mime),
			FileName:      proto.String(name),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}
