package chat

import (
	"context"
	"sort"

	"github.com/storechat/internal/model"
)

// RoomLister is the backend slice behind the admin inbox.
type RoomLister interface {
	Rooms(ctx context.Context) ([]model.Room, error)
}

// Inbox is the admin staff view over every customer conversation: rooms
// plus their latest message, newest activity first. It is a read surface;
// opening a room hands off to a regular Controller.
type Inbox struct {
	api RoomLister
}

func NewInbox(api RoomLister) *Inbox {
	return &Inbox{api: api}
}

// Rooms lists conversations sorted by most recent activity.
func (i *Inbox) Rooms(ctx context.Context) ([]model.Room, error) {
	rooms, err := i.api.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rooms, func(a, b int) bool {
		return rooms[a].UpdatedAt.After(rooms[b].UpdatedAt)
	})
	return rooms, nil
}

// Open builds a controller bound to one customer room. The room is
// addressed by its session key (guest scheme) while the admin writes as
// ADMIN; base carries the shared transport, resolver and history client.
func (i *Inbox) Open(room model.Room, base Options) *Controller {
	base.Room = room.SessionKey
	return New(base)
}
