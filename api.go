package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// API
// ============================================================================

// API is the network collaborator: every call is cancellable through its
// context and yields a Result. The core never retries API calls; retries
// belong to callers and the external sync pass.
type API interface {
	SendReaction(ctx context.Context, reaction *Reaction, enforceUnique bool) Result[*Reaction]
	DeleteReaction(ctx context.Context, reactionType, messageID string) Result[*Reaction]
	EditMessage(ctx context.Context, msg *Message) Result[*Message]
	HideChannel(ctx context.Context, cid string, clearHistory bool) Result[Unit]
	QueryChannel(ctx context.Context, cid string) Result[*Channel]
	QueryChannels(ctx context.Context, q *QuerySpec) Result[[]*Channel]
	QueryReplies(ctx context.Context, parentID string, limit int) Result[[]*Message]
	CreateChannel(ctx context.Context, req CreateChannelRequest) Result[*Channel]
	Sync(ctx context.Context, since time.Time, cids []string) Result[[]Event]
	AddDevice(ctx context.Context, deviceToken string) Result[Unit]
	RemoveDevice(ctx context.Context, deviceToken string) Result[Unit]
}

// ============================================================================
// Wire format
// ============================================================================

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type wireUser struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Image      string    `json:"image,omitempty"`
	Role       string    `json:"role,omitempty"`
	Online     bool      `json:"online,omitempty"`
	LastActive time.Time `json:"lastActive,omitempty"`
}

type wireReaction struct {
	MessageID string     `json:"messageId"`
	Type      string     `json:"type"`
	Score     int        `json:"score,omitempty"`
	User      *wireUser  `json:"user,omitempty"`
	CreatedAt time.Time  `json:"createdAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

type wireMessage struct {
	ID        string          `json:"id"`
	CID       string          `json:"cid,omitempty"`
	ParentID  string          `json:"parentId,omitempty"`
	Text      string          `json:"text"`
	User      *wireUser       `json:"user,omitempty"`
	Reactions []*wireReaction `json:"reactions,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
}

type wireMember struct {
	User      *wireUser `json:"user"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type wireConfig struct {
	TypingEvents     bool `json:"typingEvents"`
	ReadEvents       bool `json:"readEvents"`
	Reactions        bool `json:"reactions"`
	Replies          bool `json:"replies"`
	MaxMessageLength int  `json:"maxMessageLength"`
}

type wireChannel struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	CreatedBy     *wireUser      `json:"createdBy,omitempty"`
	Members       []*wireMember  `json:"members,omitempty"`
	Messages      []*wireMessage `json:"messages,omitempty"`
	Config        *wireConfig    `json:"config,omitempty"`
	LastMessageAt time.Time      `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt,omitempty"`
}

type wireEvent struct {
	Type           string        `json:"type"`
	CID            string        `json:"cid,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	User           *wireUser     `json:"user,omitempty"`
	Member         *wireMember   `json:"member,omitempty"`
	Message        *wireMessage  `json:"message,omitempty"`
	Reaction       *wireReaction `json:"reaction,omitempty"`
	Channel        *wireChannel  `json:"channel,omitempty"`
	TotalUnread    int           `json:"totalUnread,omitempty"`
	UnreadChannels int           `json:"unreadChannels,omitempty"`
	ConnectionID   string        `json:"connectionId,omitempty"`
}

func (u *wireUser) toDomain() *User {
	if u == nil {
		return nil
	}
	return &User{ID: u.ID, Name: u.Name, Image: u.Image, Role: u.Role, Online: u.Online, LastActive: u.LastActive}
}

func (r *wireReaction) toDomain() *Reaction {
	if r == nil {
		return nil
	}
	out := &Reaction{
		MessageID: r.MessageID,
		Type:      r.Type,
		Score:     r.Score,
		User:      r.User.toDomain(),
		CreatedAt: r.CreatedAt,
		DeletedAt: r.DeletedAt,
	}
	if out.User != nil {
		out.UserID = out.User.ID
	}
	return out
}

func (m *wireMessage) toDomain() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		ID:        m.ID,
		CID:       m.CID,
		ParentID:  m.ParentID,
		Text:      m.Text,
		User:      m.User.toDomain(),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		DeletedAt: m.DeletedAt,
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, r.toDomain())
	}
	return out
}

func (c *wireChannel) toDomain() *Channel {
	if c == nil {
		return nil
	}
	out := &Channel{
		Type:          c.Type,
		ID:            c.ID,
		Name:          c.Name,
		CreatedBy:     c.CreatedBy.toDomain(),
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	for _, m := range c.Members {
		out.Members = append(out.Members, &Member{User: m.User.toDomain(), Role: m.Role, CreatedAt: m.CreatedAt})
	}
	for _, m := range c.Messages {
		out.Messages = append(out.Messages, m.toDomain())
	}
	if c.Config != nil {
		out.Config = &ChannelConfig{
			ChannelType:      c.Type,
			TypingEvents:     c.Config.TypingEvents,
			ReadEvents:       c.Config.ReadEvents,
			Reactions:        c.Config.Reactions,
			Replies:          c.Config.Replies,
			MaxMessageLength: c.Config.MaxMessageLength,
		}
	}
	return out
}

// toDomain turns a decoded wire event into a domain Event. Unknown types
// yield ok=false and are skipped by callers.
func (e *wireEvent) toDomain() (Event, bool) {
	switch EventType(e.Type) {
	case EventMessageNew, EventMessageUpdated, EventMessageDeleted:
		return NewMessageEvent(EventType(e.Type), e.Message.toDomain(), e.CreatedAt), true
	case EventReactionNew, EventReactionDeleted:
		return NewReactionEvent(EventType(e.Type), e.Reaction.toDomain(), e.Message.toDomain(), e.CreatedAt), true
	case EventChannelUpdated, EventChannelHidden:
		ev := NewChannelEvent(EventType(e.Type), e.Channel.toDomain(), e.CreatedAt)
		if ev.CID == "" {
			ev.CID = e.CID
		}
		return ev, true
	case EventMemberAdded, EventMemberRemoved:
		var member *Member
		if e.Member != nil {
			member = &Member{User: e.Member.User.toDomain(), Role: e.Member.Role, CreatedAt: e.Member.CreatedAt}
		}
		return NewMemberEvent(EventType(e.Type), e.CID, member, e.CreatedAt), true
	case EventUserUpdated:
		return NewUserEvent(e.User.toDomain(), e.CreatedAt), true
	case EventUnreadCounts:
		return NewUnreadCountsEvent(e.TotalUnread, e.UnreadChannels, e.CreatedAt), true
	case EventConnected:
		return NewConnectedEvent(e.ConnectionID, e.User.toDomain()), true
	}
	return Event{}, false
}

// ============================================================================
// HTTPAPI
// ============================================================================

// HTTPAPI is the HTTP implementation of API. Transport-level failures become
// NetworkError; server-reported failures keep their own code when it maps
// onto the taxonomy and fall back to GenericError otherwise.
type HTTPAPI struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
}

// NewHTTPAPI creates an HTTP API client. A nil httpClient gets a 30 s
// timeout default.
func NewHTTPAPI(baseURL string, tokens *TokenStore, httpClient *http.Client) *HTTPAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
	}
}

func (a *HTTPAPI) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (json.RawMessage, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, NewGenericError("failed to marshal request: " + err.Error())
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, NewGenericError("failed to create request: " + err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.tokens != nil {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError("request failed", err)
	}
	defer resp.Body.Close()

	// An expired token is invalidated so the next call reloads it.
	if resp.StatusCode == http.StatusUnauthorized && a.tokens != nil {
		a.tokens.ExpireToken()
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError("failed to read response", err)
	}

	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, NewNetworkError("failed to decode response", err)
	}
	if !result.OK {
		if result.Error != nil {
			switch result.Error.Code {
			case CodeValidation, CodeNotFound, CodeNetwork:
				return nil, &Error{Code: result.Error.Code, Message: result.Error.Message}
			}
			return nil, NewGenericError(result.Error.Message)
		}
		return nil, NewGenericError(fmt.Sprintf("request failed with HTTP %d", resp.StatusCode))
	}
	return result.Data, nil
}

func decodeResult[W any, T any](data json.RawMessage, err error, convert func(*W) T) Result[T] {
	if err != nil {
		return Failure[T](err)
	}
	var w W
	if err := json.Unmarshal(data, &w); err != nil {
		return Failure[T](NewNetworkError("failed to decode payload", err))
	}
	return Success(convert(&w))
}

func (a *HTTPAPI) SendReaction(ctx context.Context, reaction *Reaction, enforceUnique bool) Result[*Reaction] {
	body := map[string]any{
		"reaction": &wireReaction{
			MessageID: reaction.MessageID,
			Type:      reaction.Type,
			Score:     reaction.Score,
		},
		"enforceUnique": enforceUnique,
	}
	data, err := a.doRequest(ctx, http.MethodPost, "/messages/"+reaction.MessageID+"/reactions", body, nil)
	return decodeResult(data, err, func(w *wireReaction) *Reaction { return w.toDomain() })
}

func (a *HTTPAPI) DeleteReaction(ctx context.Context, reactionType, messageID string) Result[*Reaction] {
	data, err := a.doRequest(ctx, http.MethodDelete, "/messages/"+messageID+"/reactions/"+reactionType, nil, nil)
	return decodeResult(data, err, func(w *wireReaction) *Reaction { return w.toDomain() })
}

func (a *HTTPAPI) EditMessage(ctx context.Context, msg *Message) Result[*Message] {
	body := map[string]any{"message": &wireMessage{ID: msg.ID, Text: msg.Text}}
	data, err := a.doRequest(ctx, http.MethodPatch, "/messages/"+msg.ID, body, nil)
	return decodeResult(data, err, func(w *wireMessage) *Message { return w.toDomain() })
}

func (a *HTTPAPI) HideChannel(ctx context.Context, cid string, clearHistory bool) Result[Unit] {
	body := map[string]any{"clearHistory": clearHistory}
	_, err := a.doRequest(ctx, http.MethodPost, "/channels/"+cid+"/hide", body, nil)
	if err != nil {
		return Failure[Unit](err)
	}
	return Success(Unit{})
}

func (a *HTTPAPI) QueryChannel(ctx context.Context, cid string) Result[*Channel] {
	data, err := a.doRequest(ctx, http.MethodGet, "/channels/"+cid, nil, nil)
	return decodeResult(data, err, func(w *wireChannel) *Channel { return w.toDomain() })
}

func (a *HTTPAPI) QueryChannels(ctx context.Context, q *QuerySpec) Result[[]*Channel] {
	query := map[string]string{}
	if q.Filter != "" {
		query["filter"] = q.Filter
	}
	if q.Sort != "" {
		query["sort"] = q.Sort
	}
	data, err := a.doRequest(ctx, http.MethodGet, "/channels", nil, query)
	return decodeResult(data, err, func(w *[]*wireChannel) []*Channel {
		var out []*Channel
		for _, ch := range *w {
			out = append(out, ch.toDomain())
		}
		return out
	})
}

func (a *HTTPAPI) QueryReplies(ctx context.Context, parentID string, limit int) Result[[]*Message] {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	data, err := a.doRequest(ctx, http.MethodGet, "/messages/"+parentID+"/replies", nil, query)
	return decodeResult(data, err, func(w *[]*wireMessage) []*Message {
		var out []*Message
		for _, m := range *w {
			out = append(out, m.toDomain())
		}
		return out
	})
}

func (a *HTTPAPI) CreateChannel(ctx context.Context, req CreateChannelRequest) Result[*Channel] {
	body := map[string]any{"type": req.ChannelType, "members": req.MemberIDs}
	data, err := a.doRequest(ctx, http.MethodPost, "/channels", body, nil)
	return decodeResult(data, err, func(w *wireChannel) *Channel { return w.toDomain() })
}

func (a *HTTPAPI) Sync(ctx context.Context, since time.Time, cids []string) Result[[]Event] {
	body := map[string]any{"since": since, "cids": cids}
	data, err := a.doRequest(ctx, http.MethodPost, "/sync", body, nil)
	return decodeResult(data, err, func(w *[]*wireEvent) []Event {
		var out []Event
		for _, we := range *w {
			if ev, ok := we.toDomain(); ok {
				out = append(out, ev)
			}
		}
		return out
	})
}

func (a *HTTPAPI) AddDevice(ctx context.Context, deviceToken string) Result[Unit] {
	_, err := a.doRequest(ctx, http.MethodPost, "/devices", map[string]string{"token": deviceToken}, nil)
	if err != nil {
		return Failure[Unit](err)
	}
	return Success(Unit{})
}

func (a *HTTPAPI) RemoveDevice(ctx context.Context, deviceToken string) Result[Unit] {
	_, err := a.doRequest(ctx, http.MethodDelete, "/devices/"+deviceToken, nil, nil)
	if err != nil {
		return Failure[Unit](err)
	}
	return Success(Unit{})
}
