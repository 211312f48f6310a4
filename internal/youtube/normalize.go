package youtube

import (
	"strings"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/message"
)

// Live chat message types
const (
	TypeText           = "textMessageEvent"
	TypeSuperChat      = "superChatEvent"
	TypeSuperSticker   = "superStickerEvent"
	TypeMessageDeleted = "messageDeletedEvent"
	TypeUserBanned     = "userBannedEvent"
	TypeChatEnded      = "chatEndedEvent"
)

// Normalize converts one REST item into a ChatMessage. Deletions, bans and
// the end-of-chat marker yield false.
func Normalize(item *yt.LiveChatMessage, channel string) (message.ChatMessage, bool) {
	return normalizeAt(item, channel, time.Now())
}

func normalizeAt(item *yt.LiveChatMessage, channel string, now time.Time) (message.ChatMessage, bool) {
	if item == nil || item.Snippet == nil || item.Id == "" {
		return message.ChatMessage{}, false
	}
	sn := item.Snippet

	var text string
	switch sn.Type {
	case TypeMessageDeleted, TypeUserBanned, TypeChatEnded:
		return message.ChatMessage{}, false
	case TypeText:
		if sn.TextMessageDetails != nil {
			text = sn.TextMessageDetails.MessageText
		}
	case TypeSuperChat:
		if sn.SuperChatDetails != nil {
			text = sn.SuperChatDetails.UserComment
		}
	}
	if text == "" {
		text = sn.DisplayMessage
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return message.ChatMessage{}, false
	}

	raw := map[string]string{"type": sn.Type}
	if sn.LiveChatId != "" {
		raw["live-chat-id"] = sn.LiveChatId
	}
	if sn.SuperChatDetails != nil && sn.SuperChatDetails.AmountDisplayString != "" {
		raw["amount"] = sn.SuperChatDetails.AmountDisplayString
	}

	var display, userID string
	var badges []string
	if a := item.AuthorDetails; a != nil {
		display = a.DisplayName
		userID = a.ChannelId
		if a.IsChatOwner {
			badges = message.AddBadge(badges, "broadcaster")
		}
		if a.IsChatModerator {
			badges = message.AddBadge(badges, "moderator")
		}
		if a.IsChatSponsor {
			badges = message.AddBadge(badges, "member")
		}
		if a.IsVerified {
			badges = message.AddBadge(badges, "verified")
		}
	}
	if userID == "" {
		userID = sn.AuthorChannelId
	}
	if userID != "" {
		raw[message.RawUserID] = userID
	}
	if display == "" {
		display = userID
	}

	ts := now.UTC()
	if t, err := time.Parse(time.RFC3339Nano, sn.PublishedAt); err == nil {
		ts = t.UTC()
	}

	return message.ChatMessage{
		ID:          item.Id,
		Platform:    message.YouTube,
		Channel:     channel,
		Username:    strings.ToLower(strings.TrimPrefix(display, "@")),
		DisplayName: display,
		Message:     text,
		Timestamp:   ts,
		Badges:      badges,
		Raw:         raw,
	}, true
}

// moderationFrom extracts deletions and bans
func moderationFrom(item *yt.LiveChatMessage, channel string, now time.Time) (adapter.Moderation, bool) {
	if item == nil || item.Snippet == nil {
		return adapter.Moderation{}, false
	}
	sn := item.Snippet
	mod := adapter.Moderation{Platform: message.YouTube, Channel: channel, At: now}
	switch sn.Type {
	case TypeMessageDeleted:
		if sn.MessageDeletedDetails == nil || sn.MessageDeletedDetails.DeletedMessageId == "" {
			return mod, false
		}
		mod.MessageID = sn.MessageDeletedDetails.DeletedMessageId
	case TypeUserBanned:
		d := sn.UserBannedDetails
		if d == nil || d.BannedUserDetails == nil {
			return mod, false
		}
		mod.Username = strings.ToLower(strings.TrimPrefix(d.BannedUserDetails.DisplayName, "@"))
		if d.BanType == "temporary" {
			mod.Duration = time.Duration(d.BanDurationSeconds) * time.Second
		}
	default:
		return mod, false
	}
	return mod, true
}
