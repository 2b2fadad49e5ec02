package whatsapp

import (
	"sort"

	"github.com/talkincode/wacrm/internal/domain"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// maxWrapDepth bounds unwrapping of nested container messages.
const maxWrapDepth = 8

// Content is the canonical description of a message payload. Which fields are
// meaningful depends on Kind.
type Content struct {
	Kind string

	Text string // text

	Caption  *string // image, video, file
	Mimetype *string // media kinds
	FileName *string // file

	Seconds float64 // audio
	Voice   bool    // audio

	Latitude  float64 // location
	Longitude float64
	PlaceName *string

	SelectedID  *string // interactive replies
	DisplayText *string

	RawType string // unknown
}

// wrappers lists the container messages whose inner payload is the real content.
var wrappers = []func(*waE2E.Message) *waE2E.Message{
	func(m *waE2E.Message) *waE2E.Message { return m.GetEphemeralMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetViewOnceMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetViewOnceMessageV2().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetViewOnceMessageV2Extension().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetDocumentWithCaptionMessage().GetMessage() },
}

// Unwrap peels container layers until none applies.
func Unwrap(m *waE2E.Message) *waE2E.Message {
	for depth := 0; m != nil && depth < maxWrapDepth; depth++ {
		next := unwrapOnce(m)
		if next == nil {
			return m
		}
		m = next
	}
	return m
}

func unwrapOnce(m *waE2E.Message) *waE2E.Message {
	for _, w := range wrappers {
		if inner := w(m); inner != nil {
			return inner
		}
	}
	return nil
}

type probe func(*waE2E.Message) (Content, bool)

// probes run in precedence order: text forms, media, location, interactive replies.
var probes = []probe{
	probeConversation,
	probeExtendedText,
	probeImage,
	probeVideo,
	probeAudio,
	probeSticker,
	probeDocument,
	probeLocation,
	probeLiveLocation,
	probeButtonReply,
	probeListReply,
	probeTemplateReply,
}

// Classify maps a raw payload to its content descriptor. It never fails;
// unrecognized shapes come back as unknown.
func Classify(m *waE2E.Message) Content {
	inner := Unwrap(m)
	if inner == nil {
		return Content{Kind: domain.KindUnknown}
	}
	for _, p := range probes {
		if c, ok := p(inner); ok {
			return c
		}
	}
	return Content{Kind: domain.KindUnknown, RawType: rawType(inner)}
}

func probeConversation(m *waE2E.Message) (Content, bool) {
	if m.Conversation == nil {
		return Content{}, false
	}
	return Content{Kind: domain.KindText, Text: m.GetConversation()}, true
}

func probeExtendedText(m *waE2E.Message) (Content, bool) {
	ext := m.GetExtendedTextMessage()
	if ext == nil {
		return Content{}, false
	}
	return Content{Kind: domain.KindText, Text: ext.GetText()}, true
}

func probeImage(m *waE2E.Message) (Content, bool) {
	img := m.GetImageMessage()
	if img == nil {
		return Content{}, false
	}
	return Content{Kind: domain.KindImage, Caption: nonEmpty(img.GetCaption()), Mimetype: nonEmpty(img.GetMimetype())}, true
}

func probeVideo(m *waE2E.Message) (Content, bool) {
	vid := m.GetVideoMessage()
	if vid == nil {
		return Content{}, false
	}
	return Content{Kind: domain.KindVideo, Caption: nonEmpty(vid.GetCaption()), Mimetype: nonEmpty(vid.GetMimetype())}, true
}

func probeAudio(m *waE2E.Message) (Content, bool) {
	aud := m.GetAudioMessage()
	if aud == nil {
		return Content{}, false
	}
	return Content{
		Kind:     domain.KindAudio,
		Seconds:  float64(aud.GetSeconds()),
		Voice:    aud.GetPTT(),
		Mimetype: nonEmpty(aud.GetMimetype()),
	}, true
}

func probeSticker(m *waE2E.Message) (Content, bool) {
	st := m.GetStickerMessage()
	if st == nil {
		return Content{}, false
	}
	return Content{Kind: domain.KindSticker, Mimetype: nonEmpty(st.GetMimetype())}, true
}

func probeDocument(m *waE2E.Message) (Content, bool) {
	doc := m.GetDocumentMessage()
	if doc == nil {
		return Content{}, false
	}
	return Content{
		Kind:     domain.KindFile,
		FileName: nonEmpty(doc.GetFileName()),
		Caption:  nonEmpty(doc.GetCaption()),
		Mimetype: nonEmpty(doc.GetMimetype()),
	}, true
}

func probeLocation(m *waE2E.Message) (Content, bool) {
	loc := m.GetLocationMessage()
	if loc == nil {
		return Content{}, false
	}
	return Content{
		Kind:      domain.KindLocation,
		Latitude:  loc.GetDegreesLatitude(),
		Longitude: loc.GetDegreesLongitude(),
		PlaceName: nonEmpty(loc.GetName()),
	}, true
}

func probeLiveLocation(m *waE2E.Message) (Content, bool) {
	loc := m.GetLiveLocationMessage()
	if loc == nil {
		return Content{}, false
	}
	return Content{
		Kind:      domain.KindLocation,
		Latitude:  loc.GetDegreesLatitude(),
		Longitude: loc.GetDegreesLongitude(),
		PlaceName: nonEmpty(loc.GetCaption()),
	}, true
}

func probeButtonReply(m *waE2E.Message) (Content, bool) {
	br := m.GetButtonsResponseMessage()
	if br == nil {
		return Content{}, false
	}
	return Content{
		Kind:        domain.KindButtonReply,
		SelectedID:  nonEmpty(br.GetSelectedButtonID()),
		DisplayText: nonEmpty(br.GetSelectedDisplayText()),
	}, true
}

func probeListReply(m *waE2E.Message) (Content, bool) {
	lr := m.GetListResponseMessage()
	if lr == nil {
		return Content{}, false
	}
	return Content{
		Kind:        domain.KindListReply,
		SelectedID:  nonEmpty(lr.GetSingleSelectReply().GetSelectedRowID()),
		DisplayText: nonEmpty(lr.GetTitle()),
	}, true
}

func probeTemplateReply(m *waE2E.Message) (Content, bool) {
	tr := m.GetTemplateButtonReplyMessage()
	if tr == nil {
		return Content{}, false
	}
	return Content{
		Kind:        domain.KindTemplateReply,
		SelectedID:  nonEmpty(tr.GetSelectedID()),
		DisplayText: nonEmpty(tr.GetSelectedDisplayText()),
	}, true
}

// metadataFields never carry content on their own.
var metadataFields = map[string]bool{
	"messageContextInfo": true,
}

// ignoredFields are protocol chatter that is not stored as a message.
var ignoredFields = map[string]bool{
	"protocolMessage":              true,
	"reactionMessage":              true,
	"encReactionMessage":           true,
	"senderKeyDistributionMessage": true,
	"pollUpdateMessage":            true,
	"keepInChatMessage":            true,
	"pinInChatMessage":             true,
}

func contentFields(m *waE2E.Message) []string {
	var names []string
	m.ProtoReflect().Range(func(fd protoreflect.FieldDescriptor, _ protoreflect.Value) bool {
		name := string(fd.Name())
		if !metadataFields[name] {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func rawType(m *waE2E.Message) string {
	names := contentFields(m)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Ignorable reports payloads that carry only protocol chatter (reactions,
// revokes, key distribution) and are not stored as messages.
func Ignorable(m *waE2E.Message) bool {
	inner := Unwrap(m)
	if inner == nil {
		return true
	}
	names := contentFields(inner)
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if !ignoredFields[n] {
			return false
		}
	}
	return true
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
