package interfaces

import (
	"context"

	"tutorchat/pkg/types"
)

// Archive is the backend's HTTP message archive.
// TECHNICAL DISCOVERY: every list endpoint returns messages newest first
type Archive interface {
	Messages(ctx context.Context, room, email string) ([]types.Message, error)
	ArchivedPage(ctx context.Context, room string, page int) ([]types.Message, error)
	GlobalChats(ctx context.Context, room, email string) ([]types.Message, error)
	TeacherSummary(ctx context.Context, rooms []string, email string) (*types.UnreadSummary, error)

	MarkDirectRead(ctx context.Context, room, email string) error
	MarkBroadcastRead(ctx context.Context, room, userID string) error

	DeleteNormalChat(ctx context.Context, messageID string) error
	DeleteGlobalChat(ctx context.Context, messageID string) error
}
