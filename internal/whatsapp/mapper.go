package whatsapp

import (
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/wacrm/internal/domain"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"gorm.io/datatypes"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var placeholders = map[string]string{
	domain.KindImage:         "[Image]",
	domain.KindVideo:         "[Video]",
	domain.KindAudio:         "[Audio]",
	domain.KindSticker:       "[Sticker]",
	domain.KindFile:          "[File]",
	domain.KindLocation:      "[Location]",
	domain.KindButtonReply:   "[Button reply]",
	domain.KindListReply:     "[List reply]",
	domain.KindTemplateReply: "[Template reply]",
	domain.KindUnknown:       "[Unsupported message]",
}

var defaultMimes = map[string]string{
	domain.KindImage:   "image/jpeg",
	domain.KindVideo:   "video/mp4",
	domain.KindAudio:   "audio/ogg",
	domain.KindSticker: "image/webp",
	domain.KindFile:    "application/octet-stream",
}

// IsMediaKind reports kinds that carry a downloadable binary.
func IsMediaKind(kind string) bool {
	_, ok := defaultMimes[kind]
	return ok
}

// ToRecord maps a protocol message into the canonical record. MediaURL is left
// nil for enrichment to fill in later.
func ToRecord(evt *events.Message, conversationID int64, connectionID, ownerID string) *domain.WhatsAppMessage {
	c := Classify(evt.Message)
	rec := &domain.WhatsAppMessage{
		MessageID:      evt.Info.ID,
		ConnectionID:   connectionID,
		ConversationID: conversationID,
		OwnerID:        ownerID,
		FromMe:         evt.Info.IsFromMe,
		Direction:      domain.DirectionInbound,
		Kind:           c.Kind,
		Timestamp:      protocolTime(evt.Info.Timestamp),
		Read:           evt.Info.IsFromMe,
		Raw:            auditPayload(evt),
	}
	if rec.FromMe {
		rec.Direction = domain.DirectionOutbound
	}

	switch c.Kind {
	case domain.KindText:
		rec.Content = c.Text
	case domain.KindImage, domain.KindVideo:
		rec.Content = orPlaceholder(c.Caption, c.Kind)
		rec.MediaMime = mimeOrDefault(c.Mimetype, c.Kind)
	case domain.KindAudio:
		rec.Content = placeholders[domain.KindAudio]
		rec.MediaMime = mimeOrDefault(c.Mimetype, c.Kind)
		ms := int64(math.Round(c.Seconds * 1000))
		rec.DurationMs = &ms
	case domain.KindSticker:
		rec.Content = placeholders[domain.KindSticker]
		rec.MediaMime = mimeOrDefault(c.Mimetype, c.Kind)
	case domain.KindFile:
		switch {
		case c.Caption != nil:
			rec.Content = *c.Caption
		default:
			rec.Content = orPlaceholder(c.FileName, c.Kind)
		}
		rec.MediaMime = mimeOrDefault(c.Mimetype, c.Kind)
	case domain.KindLocation:
		rec.Content = orPlaceholder(c.PlaceName, c.Kind)
		lat, lng := c.Latitude, c.Longitude
		rec.Latitude, rec.Longitude = &lat, &lng
	case domain.KindButtonReply, domain.KindListReply, domain.KindTemplateReply:
		rec.SelectedID = c.SelectedID
		switch {
		case c.DisplayText != nil:
			rec.Content = *c.DisplayText
		default:
			rec.Content = orPlaceholder(c.SelectedID, c.Kind)
		}
	default:
		rec.Kind = domain.KindUnknown
		rec.Content = placeholders[domain.KindUnknown]
	}
	return rec
}

func protocolTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

func orPlaceholder(s *string, kind string) string {
	if s != nil && *s != "" {
		return *s
	}
	return placeholders[kind]
}

func mimeOrDefault(m *string, kind string) *string {
	if m != nil && *m != "" {
		v := *m
		return &v
	}
	v := defaultMimes[kind]
	return &v
}

type auditRecord struct {
	ID        string              `json:"id"`
	Chat      string              `json:"chat"`
	Sender    string              `json:"sender"`
	FromMe    bool                `json:"from_me"`
	PushName  string              `json:"push_name,omitempty"`
	Timestamp int64               `json:"timestamp"`
	Message   jsoniter.RawMessage `json:"message,omitempty"`
}

// auditPayload keeps ids, timestamp and the content tree with every bytes
// field (thumbnails, media keys, hashes) stripped.
func auditPayload(evt *events.Message) datatypes.JSON {
	rec := auditRecord{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.String(),
		FromMe:    evt.Info.IsFromMe,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp.Unix(),
	}
	if evt.Message != nil {
		clean := proto.Clone(evt.Message).(*waE2E.Message)
		stripBytes(clean.ProtoReflect())
		body, err := protojson.MarshalOptions{UseProtoNames: false}.Marshal(clean)
		if err == nil {
			rec.Message = body
		} else {
			zap.L().Warn("whatsapp: raw payload encode failed", zap.String("message_id", evt.Info.ID), zap.Error(err))
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func stripBytes(m protoreflect.Message) {
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.Kind() == protoreflect.BytesKind:
			m.Clear(fd)
		case fd.IsMap():
		case fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind:
			if fd.IsList() {
				list := v.List()
				for i := 0; i < list.Len(); i++ {
					stripBytes(list.Get(i).Message())
				}
			} else {
				stripBytes(v.Message())
			}
		}
		return true
	})
}
