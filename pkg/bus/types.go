package bus

// InboundMessage is one utterance arriving from a channel.
type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	Content    string
	Mention    bool // true when the message explicitly mentions the bot
	Metadata   map[string]string
}

// FileAttachment carries binary payloads (generated images, synthesized
// audio) alongside an outbound message.
type FileAttachment struct {
	Name string
	Data []byte
}

// OutboundMessage is a reply headed back to a channel.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Files   []FileAttachment
}
