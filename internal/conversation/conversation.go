// Package conversation projects a flat message list into conversation
// buckets and answers visibility questions for a viewer. The same
// projection runs on the read path of the messaging service and in
// transcript export, so it owns no I/O and no state beyond its memo maps.
package conversation

import (
	"sort"
	"time"

	"parley/api/internal/store"
)

// GeneralBucketID names the implicit company-wide conversation. Every
// company projects exactly one, even with zero messages.
const GeneralBucketID = "general"

// maxChainDepth bounds parent-chain walks. A chain deeper than this is
// treated as ending at the last resolved message.
const maxChainDepth = 64

const titleMaxLen = 80

// ScopeCompany is the default visibility scope for messages without an
// explicit audience.
const (
	ScopeCompany = "company"
	ScopePrivate = "private"
)

type Conversation struct {
	ID                string    `json:"id"`
	RootMessageID     string    `json:"rootMessageId,omitempty"`
	ParticipantEmpids []string  `json:"participantEmpids"`
	VisibilityScope   string    `json:"visibilityScope"`
	IsGeneral         bool      `json:"isGeneral"`
	Title             string    `json:"title"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	LinkedType        string    `json:"linkedType,omitempty"`
	LinkedID          string    `json:"linkedId,omitempty"`
	MessageCount      int       `json:"messageCount"`
}

// Projector indexes one company's messages for grouping and visibility
// checks. Build a fresh projector per request; the memo maps assume the
// message set does not change underneath them.
type Projector struct {
	messages []store.Message
	byID     map[string]store.Message
	rootMemo map[string]string
	visMemo  map[string]map[string]bool
}

func NewProjector(messages []store.Message) *Projector {
	p := &Projector{
		messages: make([]store.Message, 0, len(messages)),
		byID:     make(map[string]store.Message, len(messages)),
		rootMemo: make(map[string]string, len(messages)),
		visMemo:  make(map[string]map[string]bool),
	}
	for _, msg := range messages {
		if msg.DeletedAt != nil {
			continue
		}
		p.messages = append(p.messages, msg)
		p.byID[msg.ID] = msg
	}
	return p
}

// isGeneral reports whether a message lands in the implicit bucket: no
// thread pointer, no linked entity, no topic, and the company-wide scope.
func isGeneral(msg store.Message) bool {
	return msg.ConversationID == "" &&
		msg.ParentMessageID == "" &&
		msg.LinkedType == "" &&
		msg.Topic == "" &&
		(msg.VisibilityScope == "" || msg.VisibilityScope == ScopeCompany)
}

// RootOf resolves a message's thread root by walking the parent chain.
// A cycle or an over-deep chain terminates at the last message reached
// rather than looping.
func (p *Projector) RootOf(messageID string) string {
	if root, ok := p.rootMemo[messageID]; ok {
		return root
	}

	visited := map[string]bool{}
	current := messageID
	for depth := 0; depth < maxChainDepth; depth++ {
		if visited[current] {
			break
		}
		visited[current] = true
		msg, ok := p.byID[current]
		if !ok || msg.ParentMessageID == "" {
			break
		}
		if _, ok := p.byID[msg.ParentMessageID]; !ok {
			break
		}
		current = msg.ParentMessageID
	}

	p.rootMemo[messageID] = current
	return current
}

// bucketOf returns the conversation key for a message. An explicit
// conversation id is authoritative over the parent chain.
func (p *Projector) bucketOf(msg store.Message) string {
	if isGeneral(msg) {
		return GeneralBucketID
	}
	if msg.ConversationID != "" {
		return msg.ConversationID
	}
	return p.RootOf(msg.ID)
}

// Project groups the message set into conversations visible to the
// viewer. The general bucket is always present and always first; the
// rest sort by last activity, newest first. A moderator sees every
// conversation regardless of participation.
func (p *Projector) Project(viewerEmpid string, moderator bool) []Conversation {
	buckets := map[string][]store.Message{}
	order := []string{}
	for _, msg := range p.messages {
		key := p.bucketOf(msg)
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], msg)
	}

	conversations := make([]Conversation, 0, len(order)+1)
	general := Conversation{
		ID:                GeneralBucketID,
		ParticipantEmpids: []string{},
		VisibilityScope:   ScopeCompany,
		IsGeneral:         true,
		Title:             "General",
	}
	if msgs, ok := buckets[GeneralBucketID]; ok {
		general = p.summarize(GeneralBucketID, msgs)
	}
	conversations = append(conversations, general)

	for _, key := range order {
		if key == GeneralBucketID {
			continue
		}
		conv := p.summarize(key, buckets[key])
		if !moderator && !conversationVisibleTo(conv, viewerEmpid) {
			continue
		}
		conversations = append(conversations, conv)
	}

	// General stays pinned at index 0.
	rest := conversations[1:]
	sort.SliceStable(rest, func(i, j int) bool {
		if !rest[i].LastMessageAt.Equal(rest[j].LastMessageAt) {
			return rest[i].LastMessageAt.After(rest[j].LastMessageAt)
		}
		return rest[i].ID < rest[j].ID
	})
	return conversations
}

func (p *Projector) summarize(key string, msgs []store.Message) Conversation {
	conv := Conversation{
		ID:                key,
		ParticipantEmpids: []string{},
		VisibilityScope:   ScopeCompany,
		IsGeneral:         key == GeneralBucketID,
		MessageCount:      len(msgs),
	}
	if conv.IsGeneral {
		conv.Title = "General"
	}

	seen := map[string]bool{}
	var root store.Message
	for _, msg := range msgs {
		if msg.CreatedAt.After(conv.LastMessageAt) {
			conv.LastMessageAt = msg.CreatedAt
		}
		if !seen[msg.AuthorEmpid] && msg.AuthorEmpid != "" {
			seen[msg.AuthorEmpid] = true
			conv.ParticipantEmpids = append(conv.ParticipantEmpids, msg.AuthorEmpid)
		}
		for _, recipient := range msg.Recipients {
			if recipient != "" && !seen[recipient] {
				seen[recipient] = true
				conv.ParticipantEmpids = append(conv.ParticipantEmpids, recipient)
			}
		}
		if msg.VisibilityScope == ScopePrivate {
			conv.VisibilityScope = ScopePrivate
		}
		if root.ID == "" || msg.CreatedAt.Before(root.CreatedAt) {
			root = msg
		}
	}
	sort.Strings(conv.ParticipantEmpids)

	if conv.IsGeneral {
		return conv
	}

	conv.RootMessageID = p.RootOf(root.ID)
	if rootMsg, ok := p.byID[conv.RootMessageID]; ok {
		root = rootMsg
	}
	conv.LinkedType = root.LinkedType
	conv.LinkedID = root.LinkedID
	conv.Title = root.Topic
	if conv.Title == "" {
		conv.Title = truncate(root.Body, titleMaxLen)
	}
	return conv
}

func conversationVisibleTo(conv Conversation, viewerEmpid string) bool {
	if conv.IsGeneral || conv.VisibilityScope != ScopePrivate {
		return true
	}
	for _, empid := range conv.ParticipantEmpids {
		if empid == viewerEmpid {
			return true
		}
	}
	return false
}

// FilterVisibleMessages returns the messages a viewer may read, in the
// original order. A reply is visible when the message itself or any
// ancestor in its chain is visible to the viewer; results are memoized
// per message so deep threads cost one walk.
func (p *Projector) FilterVisibleMessages(viewerEmpid string) []store.Message {
	visible := make([]store.Message, 0, len(p.messages))
	for _, msg := range p.messages {
		if p.messageVisibleTo(msg.ID, viewerEmpid) {
			visible = append(visible, msg)
		}
	}
	return visible
}

func (p *Projector) messageVisibleTo(messageID, viewerEmpid string) bool {
	memo, ok := p.visMemo[viewerEmpid]
	if !ok {
		memo = map[string]bool{}
		p.visMemo[viewerEmpid] = memo
	}
	if cached, ok := memo[messageID]; ok {
		return cached
	}

	visited := map[string]bool{}
	current := messageID
	result := false
	for depth := 0; depth < maxChainDepth; depth++ {
		if visited[current] {
			break
		}
		visited[current] = true
		msg, ok := p.byID[current]
		if !ok {
			break
		}
		if directlyVisible(msg, viewerEmpid) {
			result = true
			break
		}
		if msg.ParentMessageID == "" {
			break
		}
		current = msg.ParentMessageID
	}

	memo[messageID] = result
	return result
}

func directlyVisible(msg store.Message, viewerEmpid string) bool {
	if msg.VisibilityScope != ScopePrivate {
		return true
	}
	if msg.AuthorEmpid == viewerEmpid {
		return true
	}
	for _, recipient := range msg.Recipients {
		if recipient == viewerEmpid {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
