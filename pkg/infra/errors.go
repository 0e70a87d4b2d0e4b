// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package infra

type EmptyRouteError struct {
}

func (EmptyRouteError) Error() string {
	return "empty route"
}

type UnroutedMessageError struct {
}

func (UnroutedMessageError) Error() string {
	return "unrouted message"
}

type ReceiverCloseError struct {
}

func (ReceiverCloseError) Error() string {
	return "close receiver, dropped with error"
}

// ListenerClosedError is returned by ListenAndServe after Shutdown.
type ListenerClosedError struct {
}

func (ListenerClosedError) Error() string {
	return "listener closed"
}
