package syncbus

import (
	"context"
	"errors"
)

const (
	CmdData   = "data"
	CmdError  = "error"
	CmdDebug  = "debug"
	CmdStatus = "status"
	CmdConfig = "config"

	// ChannelSpawnSuccess carries the one-time first-frame handshake.
	ChannelSpawnSuccess = "spawnSuccess"
)

var ErrNoClients = errors.New("no clients")

// Event is one message on the bus. Msg must be JSON serializable.
type Event struct {
	Channel string      `json:"channel"`
	Cmd     string      `json:"cmd"`
	Msg     interface{} `json:"msg"`
}

// Transport forwards events to listeners outside the process.
type Transport interface {
	Name() string
	Listeners() int
	Deliver(evt Event) error
	Close() error
}

type Info struct {
	Active     bool     `json:"active"`
	Channel    string   `json:"channel"`
	Transports []string `json:"transports"`
}

// IService is the status/event bus used by every pipeline stage.
type IService interface {
	// Sync sends evt on channel ("" means the default channel).
	Sync(ctx context.Context, channel string, evt Event) error
	// On waits for the next event on channel.
	On(ctx context.Context, channel string) (Event, error)
	// Subscribe registers an in-process listener. The returned func unsubscribes.
	Subscribe(channel string, buffer int) (<-chan Event, func())
	Info() Info
	Close() error
}
