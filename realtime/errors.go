package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("Closed.")
	ErrConflict       = errors.New("Conflict.")
	ErrNotFound       = errors.New("Not found.")
	ErrPendingTimeout = errors.New("Pending update timed out.")
	ErrRolledBack     = errors.New("Rolled back.")
	ErrTokenExpired   = errors.New("Token expired.")
	ErrNotConnected   = errors.New("Not connected.")
)

// the auth token was rejected, either locally (malformed, expired) or by the endpoint
type AuthError struct {
	Err error
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("Auth error: %s", self.Err)
}

func (self *AuthError) Unwrap() error {
	return self.Err
}

// the endpoint could not be reached, or the connection dropped
type NetworkError struct {
	Err error
}

func (self *NetworkError) Error() string {
	return fmt.Sprintf("Network error: %s", self.Err)
}

func (self *NetworkError) Unwrap() error {
	return self.Err
}

// the endpoint rejected a channel join
type ChannelError struct {
	Topic  string
	Reason string
	Err    error
}

func (self *ChannelError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("Channel error %s: %s", self.Topic, self.Err)
	}
	return fmt.Sprintf("Channel error %s: %s", self.Topic, self.Reason)
}

func (self *ChannelError) Unwrap() error {
	return self.Err
}

// the server operation of an optimistic update failed
// the update was rolled back before this error is returned
type OperationError struct {
	UpdateId Id
	Err      error
}

func (self *OperationError) Error() string {
	return fmt.Sprintf("Operation error %s: %s", self.UpdateId, self.Err)
}

func (self *OperationError) Unwrap() error {
	return self.Err
}
