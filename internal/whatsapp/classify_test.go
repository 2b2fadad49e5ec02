package whatsapp

import (
	"testing"

	"github.com/talkincode/wacrm/internal/domain"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// wrap nests m inside depth container layers, cycling through the container kinds.
func wrap(m *waE2E.Message, depth int) *waE2E.Message {
	for i := 0; i < depth; i++ {
		fp := &waE2E.FutureProofMessage{Message: m}
		switch i % 4 {
		case 0:
			m = &waE2E.Message{EphemeralMessage: fp}
		case 1:
			m = &waE2E.Message{ViewOnceMessage: fp}
		case 2:
			m = &waE2E.Message{ViewOnceMessageV2: fp}
		default:
			m = &waE2E.Message{ViewOnceMessageV2Extension: fp}
		}
	}
	return m
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		kind string
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, domain.KindText},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("see https://x.y")}}, domain.KindText},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, domain.KindImage},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, domain.KindVideo},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Seconds: proto.Uint32(3)}}, domain.KindAudio},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, domain.KindSticker},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("a.pdf")}}, domain.KindFile},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{DegreesLatitude: proto.Float64(1)}}, domain.KindLocation},
		{"live location", &waE2E.Message{LiveLocationMessage: &waE2E.LiveLocationMessage{}}, domain.KindLocation},
		{"button reply", &waE2E.Message{ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{}}, domain.KindButtonReply},
		{"list reply", &waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{}}, domain.KindListReply},
		{"template reply", &waE2E.Message{TemplateButtonReplyMessage: &waE2E.TemplateButtonReplyMessage{}}, domain.KindTemplateReply},
		{"poll", &waE2E.Message{PollCreationMessage: &waE2E.PollCreationMessage{Name: proto.String("Lunch?")}}, domain.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.msg).Kind; got != tt.kind {
				t.Errorf("Classify() kind = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestClassifyIsStableAcrossWrappers(t *testing.T) {
	base := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("sunset")}}
	for depth := 0; depth <= 4; depth++ {
		c := Classify(wrap(base, depth))
		if c.Kind != domain.KindImage || c.Caption == nil || *c.Caption != "sunset" {
			t.Errorf("depth %d: got %+v", depth, c)
		}
	}
}

func TestClassifyDocumentWithCaption(t *testing.T) {
	msg := &waE2E.Message{DocumentWithCaptionMessage: &waE2E.FutureProofMessage{
		Message: &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			FileName: proto.String("invoice.pdf"),
			Caption:  proto.String("March invoice"),
		}},
	}}
	c := Classify(msg)
	if c.Kind != domain.KindFile || *c.FileName != "invoice.pdf" || *c.Caption != "March invoice" {
		t.Fatalf("unexpected %+v", c)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	msg := &waE2E.Message{
		Conversation: proto.String("plain"),
		ImageMessage: &waE2E.ImageMessage{},
	}
	if c := Classify(msg); c.Kind != domain.KindText || c.Text != "plain" {
		t.Fatalf("text should win over media, got %+v", c)
	}
}

func TestClassifyUnknownKeepsRawType(t *testing.T) {
	msg := &waE2E.Message{
		PollCreationMessage: &waE2E.PollCreationMessage{Name: proto.String("Lunch?")},
		MessageContextInfo:  &waE2E.MessageContextInfo{},
	}
	c := Classify(msg)
	if c.Kind != domain.KindUnknown || c.RawType != "pollCreationMessage" {
		t.Fatalf("unexpected %+v", c)
	}
	if c := Classify(nil); c.Kind != domain.KindUnknown {
		t.Fatalf("nil payload: %+v", c)
	}
}

func TestClassifyInteractiveReplies(t *testing.T) {
	c := Classify(&waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{
		Title:             proto.String("Plan B"),
		SingleSelectReply: &waE2E.ListResponseMessage_SingleSelectReply{SelectedRowID: proto.String("row-2")},
	}})
	if *c.SelectedID != "row-2" || *c.DisplayText != "Plan B" {
		t.Fatalf("unexpected %+v", c)
	}
}

func TestIgnorable(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want bool
	}{
		{"empty", &waE2E.Message{}, true},
		{"nil", nil, true},
		{"reaction", &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("❤")}}, true},
		{"protocol", &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{}}, true},
		{"context only", &waE2E.Message{MessageContextInfo: &waE2E.MessageContextInfo{}}, true},
		{"wrapped reaction", wrap(&waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{}}, 1), true},
		{"text", &waE2E.Message{Conversation: proto.String("hi")}, false},
		{"text with context", &waE2E.Message{Conversation: proto.String("hi"), MessageContextInfo: &waE2E.MessageContextInfo{}}, false},
		{"poll", &waE2E.Message{PollCreationMessage: &waE2E.PollCreationMessage{}}, false},
	}
	for _, tt := range tests {
		if got := Ignorable(tt.msg); got != tt.want {
			t.Errorf("%s: Ignorable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
