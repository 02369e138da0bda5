// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/slidingsync/internal/util"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/types"
)

const typingEDUType = "m.typing"

// TypingAPI is the part of the typing registry inbound EDUs update.
type TypingAPI interface {
	StartTyping(ctx context.Context, userID, roomID string, timeout time.Time) types.StreamPosition
	StopTyping(ctx context.Context, userID, roomID string) types.StreamPosition
}

// EDUError is returned for EDUs that are malformed or not allowed from
// the sending server. Such EDUs are dropped rather than retried.
type EDUError struct {
	Origin spec.ServerName
	Reason string
}

func (e *EDUError) Error() string {
	return fmt.Sprintf("rejected EDU from %s: %s", e.Origin, e.Reason)
}

// ProcessEDU applies an EDU received from another server. EDU types that
// aren't handled here are ignored.
func ProcessEDU(ctx context.Context, cfg *config.Dendrite, typing TypingAPI, edu *gomatrixserverlib.EDU) error {
	switch edu.Type {
	case typingEDUType:
		return processTypingEDU(ctx, cfg, typing, edu)
	default:
		logrus.WithContext(ctx).WithField("type", edu.Type).Debug("Unhandled EDU")
		return nil
	}
}

func processTypingEDU(ctx context.Context, cfg *config.Dendrite, typing TypingAPI, edu *gomatrixserverlib.EDU) error {
	origin := spec.ServerName(edu.Origin)
	if !gjson.ValidBytes(edu.Content) {
		return &EDUError{Origin: origin, Reason: "content is not valid JSON"}
	}
	content := gjson.ParseBytes(edu.Content)
	roomID := content.Get("room_id").Str
	userID := content.Get("user_id").Str
	isTyping := content.Get("typing")
	if roomID == "" || userID == "" || !isTyping.IsBool() {
		return &EDUError{Origin: origin, Reason: "missing room_id, user_id or typing"}
	}

	serverName, ok := util.UserServerName(userID)
	if !ok {
		return &EDUError{Origin: origin, Reason: "invalid user_id " + userID}
	}
	if util.NormalizeServerName(serverName) != util.NormalizeServerName(origin) {
		return &EDUError{Origin: origin, Reason: "user " + userID + " does not belong to the origin"}
	}
	if cfg.Global.IsLocalServerName(serverName) {
		return &EDUError{Origin: origin, Reason: "typing EDU for local user " + userID}
	}

	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": userID,
		"typing":  isTyping.Bool(),
	}).Trace("[TYPING] received typing EDU")

	if isTyping.Bool() {
		typing.StartTyping(ctx, userID, roomID, time.Now().Add(cfg.SyncAPI.TypingTimeout(0)))
	} else {
		typing.StopTyping(ctx, userID, roomID)
	}
	return nil
}
