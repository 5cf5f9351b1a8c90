package handler

import (
	"strings"

	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
)

const maxRequesterTagLength = 64

// BeginRequest is the body of POST /v1/verifications/begin.
type BeginRequest struct {
	ChatID       string `json:"chat_id"`
	Alias        string `json:"alias"`
	Group        string `json:"group"`
	RequesterTag string `json:"requester_tag"`

	parsedChatID id.ChatID
	parsedGroup  id.Group
}

// Validate parses the chat identity and group. The alias is left raw: a
// malformed alias must get the same reply as an unknown one, so it is judged
// by the state machine and never rejected here.
func (r *BeginRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.RequesterTag) > maxRequesterTagLength {
		return dErrors.New(dErrors.CodeInvalidInput, "requester_tag must be at most 64 characters")
	}
	chatID, err := id.ParseChatID(r.ChatID)
	if err != nil {
		return err
	}
	group, err := id.ParseGroup(r.Group)
	if err != nil {
		return err
	}
	r.parsedChatID = chatID
	r.parsedGroup = group
	r.RequesterTag = strings.TrimSpace(r.RequesterTag)
	return nil
}

// ConfirmRequest is the body of POST /v1/verifications/confirm.
type ConfirmRequest struct {
	ChatID string `json:"chat_id"`
	Code   string `json:"code"`
	Group  string `json:"group"`

	parsedChatID id.ChatID
	parsedGroup  id.Group
}

// Validate parses the chat identity and group. The code is only trimmed;
// its shape is checked by the state machine so every bad code gets one reply.
func (r *ConfirmRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	chatID, err := id.ParseChatID(r.ChatID)
	if err != nil {
		return err
	}
	group, err := id.ParseGroup(r.Group)
	if err != nil {
		return err
	}
	r.parsedChatID = chatID
	r.parsedGroup = group
	r.Code = strings.TrimSpace(r.Code)
	return nil
}

// MemberJoinedRequest is the body of POST /v1/members/joined.
type MemberJoinedRequest struct {
	ChatID string `json:"chat_id"`
	Group  string `json:"group"`

	parsedChatID id.ChatID
	parsedGroup  id.Group
}

func (r *MemberJoinedRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	chatID, err := id.ParseChatID(r.ChatID)
	if err != nil {
		return err
	}
	group, err := id.ParseGroup(r.Group)
	if err != nil {
		return err
	}
	if group.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "group is required")
	}
	r.parsedChatID = chatID
	r.parsedGroup = group
	return nil
}
