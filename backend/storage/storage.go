// Package storage defines the contract of durable room stores.
//
// A store keeps opaque blobs under string keys. Writes always replace the
// whole blob.
package storage

import "errors"

var ErrNotFound = errors.New("key not found")

const roomKeyPrefix = "room:"

// RoomKey returns the key under which the state of roomID is kept.
func RoomKey(roomID string) string {
	return roomKeyPrefix + roomID
}
