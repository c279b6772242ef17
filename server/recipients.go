package server

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"lanchat/errs"
	"lanchat/protocol"
	"lanchat/store"
)

// resolveRecipients maps a recipient field to user ids. The broadcast
// sentinel expands to every registered user except the sender; unknown
// users are skipped.
func resolveRecipients(ctx context.Context, reg *Registry, users store.UserDirectory, log *zap.Logger, sender, recipient string) []int64 {
	names := []string{recipient}
	if protocol.IsBroadcast(recipient) {
		names = names[:0]
		for _, u := range reg.ConnectedUsers() {
			if !strings.EqualFold(u, sender) {
				names = append(names, u)
			}
		}
	}

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		u, err := users.UserByName(ctx, name)
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				log.Error("cannot resolve recipient", zap.String("recipient", name), zap.Error(err))
			}
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids
}
