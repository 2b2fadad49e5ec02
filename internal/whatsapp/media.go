package whatsapp

import (
	"context"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/talkincode/wacrm/internal/storage"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// DefaultMediaURLTTL is how long a minted retrieval link stays valid.
const DefaultMediaURLTTL = 7 * 24 * time.Hour

const fallbackMime = "application/octet-stream"

// ErrNoMedia is returned for payloads without a downloadable attachment.
var ErrNoMedia = errors.New("message carries no media")

// Downloader fetches and decrypts an attachment through the protocol.
type Downloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// StoredMedia describes an uploaded attachment.
type StoredMedia struct {
	URL  string
	Mime string
	Size int64
	Key  string
}

type mediaDescriptor interface {
	whatsmeow.DownloadableMessage
	GetMimetype() string
}

func mediaOf(m *waE2E.Message) mediaDescriptor {
	switch {
	case m.GetImageMessage() != nil:
		return m.GetImageMessage()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage()
	case m.GetAudioMessage() != nil:
		return m.GetAudioMessage()
	case m.GetStickerMessage() != nil:
		return m.GetStickerMessage()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage()
	}
	return nil
}

// FetchAndStore downloads the attachment of msg, uploads it under prefix plus
// an extension derived from its MIME type and returns a signed link. Uploads
// overwrite, so retries are safe.
func FetchAndStore(ctx context.Context, dl Downloader, blobs storage.BlobStore, msg *waE2E.Message, prefix string, ttl time.Duration) (*StoredMedia, error) {
	inner := Unwrap(msg)
	if inner == nil {
		return nil, ErrNoMedia
	}
	desc := mediaOf(inner)
	if desc == nil {
		return nil, ErrNoMedia
	}

	data, err := dl.Download(ctx, desc)
	if err != nil {
		return nil, errors.Wrap(err, "download media")
	}

	mime := desc.GetMimetype()
	if mime == "" && len(data) > 0 {
		mime = mimetype.Detect(data).String()
	}
	if mime == "" {
		mime = fallbackMime
	}

	key := prefix + "." + ExtensionFor(mime)
	if err := blobs.Put(ctx, key, data, mime); err != nil {
		return nil, errors.Wrap(err, "upload media")
	}
	if ttl <= 0 {
		ttl = DefaultMediaURLTTL
	}
	url, err := blobs.PresignGet(ctx, key, ttl)
	if err != nil {
		return nil, errors.Wrap(err, "sign media url")
	}
	return &StoredMedia{URL: url, Mime: mime, Size: int64(len(data)), Key: key}, nil
}

// ExtensionFor derives a file extension from the MIME subtype,
// e.g. "audio/ogg; codecs=opus" gives "ogg".
func ExtensionFor(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(strings.ToLower(mime))
	_, sub, ok := strings.Cut(mime, "/")
	if !ok || sub == "" || sub == "octet-stream" {
		return "bin"
	}
	if i := strings.IndexByte(sub, '+'); i > 0 {
		sub = sub[:i]
	}
	if sub == "jpeg" {
		return "jpg"
	}
	return sub
}
