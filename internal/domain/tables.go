package domain

var Tables = []interface{}{
	&WhatsAppSession{},
	&WhatsAppConversation{},
	&WhatsAppMessage{},
}
