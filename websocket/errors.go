package websocket

import "errors"

var (
	// ErrSubscriberBehind means the hub queue or a client queue is full and
	// the frame was dropped.
	ErrSubscriberBehind = errors.New("activity feed: subscriber is behind")

	// ErrFeedClosed is returned by Broadcast after the hub stopped.
	ErrFeedClosed = errors.New("activity feed: closed")

	// ErrReconnectGaveUp is returned by Follower.Run once its attempts run out.
	ErrReconnectGaveUp = errors.New("activity feed: gave up after reconnect attempts")
)
