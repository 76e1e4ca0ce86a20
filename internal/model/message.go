package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type MessageType string

const (
	MessageChat  MessageType = "CHAT"
	MessageJoin  MessageType = "JOIN"
	MessageLeave MessageType = "LEAVE"
	MessageImage MessageType = "IMAGE"
	MessageAudio MessageType = "AUDIO"
)

// Persistable reports whether t can be stored as is. IMAGE and AUDIO are
// stored as CHAT with an encoded attachment.
func (t MessageType) Persistable() bool {
	return t == MessageChat || t == MessageJoin || t == MessageLeave
}

func (t MessageType) IsFile() bool {
	return t == MessageImage || t == MessageAudio
}

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusViewed    DeliveryStatus = "viewed"
)

// Scope is a chat room: the general room (ClassroomID == 0) or one classroom.
type Scope struct {
	ClassroomID int64
}

var GeneralScope = Scope{}

func ClassroomScope(id int64) Scope { return Scope{ClassroomID: id} }

// ScopeOf maps a nullable classroom reference to its scope.
func ScopeOf(classroomID *int64) Scope {
	if classroomID == nil || *classroomID <= 0 {
		return GeneralScope
	}
	return Scope{ClassroomID: *classroomID}
}

func (s Scope) IsGeneral() bool { return s.ClassroomID <= 0 }

// Ref returns the nullable foreign key stored with a message.
func (s Scope) Ref() *int64 {
	if s.IsGeneral() {
		return nil
	}
	id := s.ClassroomID
	return &id
}

// Topic is the broadcast destination subscribers listen on.
func (s Scope) Topic() string {
	if s.IsGeneral() {
		return TopicPublic
	}
	return "classroom." + strconv.FormatInt(s.ClassroomID, 10)
}

func (s Scope) String() string {
	if s.IsGeneral() {
		return "general"
	}
	return "classroom:" + strconv.FormatInt(s.ClassroomID, 10)
}

const (
	TopicPublic    = "public"
	TopicUserCount = "userCount"
)

// PersistedMessage is a row of chat_messages. CreatedAt is set by the store
// on insert and never changes.
type PersistedMessage struct {
	ID          int64       `json:"id"`
	SenderEmail string      `json:"senderEmail"`
	SenderName  string      `json:"senderName"`
	SenderRole  Role        `json:"senderRole"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	ClassroomID *int64      `json:"classroomId"`
	ReplyToID   *int64      `json:"replyToId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (m *PersistedMessage) Scope() Scope { return ScopeOf(m.ClassroomID) }

// Attachment describes an uploaded file referenced by an IMAGE/AUDIO message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ChatMessage is the event form exchanged over the socket and returned by the
// history endpoints. It is built per event and never stored directly.
type ChatMessage struct {
	ID          int64             `json:"id,omitempty"`
	Type        MessageType       `json:"type"`
	Content     string            `json:"content"`
	Sender      string            `json:"sender"`
	SenderName  string            `json:"senderName,omitempty"`
	SenderRole  Role              `json:"senderRole,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	ClassroomID *int64            `json:"classroomId"`
	FileURL     string            `json:"fileUrl,omitempty"`
	FileType    string            `json:"fileType,omitempty"`
	FileName    string            `json:"fileName,omitempty"`
	FileSize    int64             `json:"fileSize,omitempty"`
	ReplyToID   *int64            `json:"replyToId,omitempty"`
	Reactions   []ReactionSummary `json:"reactions"`
	Status      DeliveryStatus    `json:"status,omitempty"`
}

func (m *ChatMessage) Scope() Scope { return ScopeOf(m.ClassroomID) }

func (m *ChatMessage) Attachment() *Attachment {
	if m.FileURL == "" {
		return nil
	}
	return &Attachment{URL: m.FileURL, Type: m.FileType, Name: m.FileName, Size: m.FileSize}
}

// ToPersisted converts an accepted event into the row to append. File
// messages become CHAT rows whose content carries the attachment.
func (m *ChatMessage) ToPersisted() *PersistedMessage {
	p := &PersistedMessage{
		SenderEmail: m.Sender,
		SenderName:  m.SenderName,
		SenderRole:  m.SenderRole,
		Content:     m.Content,
		Type:        m.Type,
		ClassroomID: m.Scope().Ref(),
		ReplyToID:   m.ReplyToID,
	}
	switch {
	case !m.Type.Persistable():
		p.Type = MessageChat
		p.Content = EncodeAttachment(m.Type, m.Attachment(), m.Content)
	case m.Type == MessageChat && hasReservedPrefix(m.Content):
		// текст, похожий на вложение, заворачивается в [CHAT], чтобы не прочитаться как файл
		p.Content = EncodeAttachment(MessageChat, nil, m.Content)
	}
	return p
}

// envelopeTypes: префиксы, под которыми в content CHAT-строки лежит конверт.
var envelopeTypes = []MessageType{MessageImage, MessageAudio, MessageChat}

func hasReservedPrefix(content string) bool {
	for _, t := range envelopeTypes {
		if strings.HasPrefix(content, "["+string(t)+"]") {
			return true
		}
	}
	return false
}

// FromPersisted rebuilds the event form of a stored row, decoding attachments.
func FromPersisted(p *PersistedMessage) ChatMessage {
	m := ChatMessage{
		ID:          p.ID,
		Type:        p.Type,
		Content:     p.Content,
		Sender:      p.SenderEmail,
		SenderName:  p.SenderName,
		SenderRole:  p.SenderRole,
		Timestamp:   p.CreatedAt,
		ClassroomID: p.ClassroomID,
		ReplyToID:   p.ReplyToID,
		Reactions:   []ReactionSummary{},
		Status:      StatusDelivered,
	}
	if p.Type == MessageChat {
		if t, att, caption, ok := DecodeAttachment(p.Content); ok {
			m.Type = t
			m.Content = caption
			if att != nil {
				m.FileURL, m.FileType, m.FileName, m.FileSize = att.URL, att.Type, att.Name, att.Size
			}
		}
	}
	return m
}

type attachmentEnvelope struct {
	Attachment
	Caption string `json:"caption,omitempty"`
}

// EncodeAttachment renders "[IMAGE]{json}" so the row stays a plain CHAT
// message for older readers while keeping the file reference recoverable.
func EncodeAttachment(t MessageType, att *Attachment, caption string) string {
	env := attachmentEnvelope{Caption: caption}
	if att != nil {
		env.Attachment = *att
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "[" + string(t) + "]"
	}
	return "[" + string(t) + "]" + string(data)
}

// DecodeAttachment reverses EncodeAttachment. A [CHAT] envelope is escaped
// plain text and yields no attachment.
func DecodeAttachment(content string) (MessageType, *Attachment, string, bool) {
	for _, t := range envelopeTypes {
		prefix := "[" + string(t) + "]"
		if !strings.HasPrefix(content, prefix) {
			continue
		}
		var env attachmentEnvelope
		if err := json.Unmarshal([]byte(content[len(prefix):]), &env); err != nil {
			return "", nil, "", false
		}
		if t == MessageChat {
			return t, nil, env.Caption, true
		}
		att := env.Attachment
		return t, &att, env.Caption, true
	}
	return "", nil, "", false
}

// ReactionSummary is the per-emoji aggregate shown under a message.
type ReactionSummary struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}
